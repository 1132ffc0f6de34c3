package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pos-sync-service/internal/client"
	"pos-sync-service/internal/model"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Entity      string
	Action      string
	ID          string
	Payload     string
	BaseVersion int64
	QueueOnly   bool
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Record a create, update or delete",
		Long: `Send a mutation to the server, or queue it when the server is not
reachable. With --queue-only the server is not tried.

Examples:
  posclient enqueue --entity product --action create --payload '{"sku":"X1","name":"Espresso"}'
  posclient enqueue --entity product --action update --id 6f1c... --payload '{"sku":"X1","priceCents":300}' --base-version 2
  posclient enqueue --entity sale --action create --payload '{"productId":"6f1c...","quantity":2}' --queue-only`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Entity, "entity", "", "entity type (required)")
	_ = cmd.MarkFlagRequired("entity")
	cmd.Flags().StringVar(&opts.Action, "action", "create", "create, update or delete")
	cmd.Flags().StringVar(&opts.ID, "id", "", "target record id for update and delete")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "JSON payload for create and update")
	cmd.Flags().Int64Var(&opts.BaseVersion, "base-version", -1, "version the change is based on")
	cmd.Flags().BoolVar(&opts.QueueOnly, "queue-only", false, "queue without contacting the server")

	return cmd
}

func (o *EnqueueOptions) mutation() (client.Mutation, error) {
	entity, err := model.ParseEntity(o.Entity)
	if err != nil {
		return client.Mutation{}, err
	}
	action, err := model.ParseAction(o.Action)
	if err != nil {
		return client.Mutation{}, err
	}
	m := client.Mutation{Entity: entity, Action: action, ID: o.ID}
	if o.Payload != "" {
		if !json.Valid([]byte(o.Payload)) {
			return client.Mutation{}, errors.New("payload is not valid JSON")
		}
		m.Payload = json.RawMessage(o.Payload)
	}
	if o.BaseVersion >= 0 {
		v := o.BaseVersion
		m.BaseVersion = &v
	}
	return m, nil
}

func runEnqueue(opts *EnqueueOptions, cmd *cobra.Command) error {
	m, err := opts.mutation()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	e, _, err := opts.openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	var res *client.MutationResult
	if opts.QueueOnly {
		res, err = e.Enqueue(ctx, m)
	} else {
		e.CheckConnectivity(ctx)
		res, err = e.Mutate(ctx, m)
	}
	if err != nil {
		return err
	}

	return opts.output(cmd).Print(res, func(w io.Writer) {
		switch {
		case res.Conflict != nil:
			fmt.Fprintf(w, "Conflict (%s): %s\n", res.Conflict.ConflictType, res.Conflict.Message)
		case res.Pending:
			fmt.Fprintf(w, "Queued %s as %s\n", m.Entity, res.OpID)
		default:
			fmt.Fprintf(w, "Synced %s %s\n", m.Entity, res.ServerID)
		}
	})
}
