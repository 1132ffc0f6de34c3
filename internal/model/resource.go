package model

import (
	"fmt"
	"strings"
)

// Method is the verb a queued operation is bound to.
type Method string

const (
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

func (m Method) Action() (Action, error) {
	switch Method(strings.ToUpper(string(m))) {
	case MethodPost:
		return ActionCreate, nil
	case MethodPut, "PATCH":
		return ActionUpdate, nil
	case MethodDelete:
		return ActionDelete, nil
	default:
		return "", &ValidationError{Field: "method", Reason: fmt.Sprintf("unsupported method %q", m)}
	}
}

func MethodFor(a Action) Method {
	switch a {
	case ActionUpdate:
		return MethodPut
	case ActionDelete:
		return MethodDelete
	default:
		return MethodPost
	}
}

// Resource builds the logical target of an operation: "entity" or "entity/id".
func Resource(e Entity, id string) string {
	if id == "" {
		return string(e)
	}
	return string(e) + "/" + id
}

// ParseResource splits a resource into its entity and optional record id.
func ParseResource(resource string) (Entity, string, error) {
	head, id, _ := strings.Cut(strings.Trim(resource, "/"), "/")
	e, err := ParseEntity(head)
	if err != nil {
		return "", "", err
	}
	if strings.Contains(id, "/") {
		return "", "", &ValidationError{Field: "resource", Reason: fmt.Sprintf("malformed resource %q", resource)}
	}
	return e, id, nil
}
