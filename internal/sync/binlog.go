package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/model"
	"pos-sync-service/internal/store"
)

// BinlogListener tails the authoritative MySQL binlog so that changes made by
// any writer, not only the push endpoint, reach websocket subscribers.
type BinlogListener struct {
	cfg       config.StateStorage
	canal     *canal.Canal
	eventChan chan BinlogEvent
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	started   bool
}

func NewBinlogListener(cfg config.StateStorage, repl config.ReplicationConfig) (*BinlogListener, error) {
	var tableRegex []string
	for _, e := range model.AllEntities {
		table, _ := store.TableName(e)
		tableRegex = append(tableRegex, fmt.Sprintf("^%s\\.%s$", cfg.Database, table))
	}

	user, password := repl.User, repl.Password
	if user == "" {
		user, password = cfg.User, cfg.Password
	}

	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:     user,
		Password: password,
		Flavor:   "mysql",
		ServerID: repl.ServerID,
		Dump: canal.DumpConfig{
			ExecutionPath: "",
		},
		IncludeTableRegex: tableRegex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &BinlogListener{
		cfg:       cfg,
		canal:     c,
		eventChan: make(chan BinlogEvent, 10000),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	c.SetEventHandler(&eventHandler{listener: l})

	return l, nil
}

// Start follows the binlog from the current master position; history is
// served by pulls.
func (l *BinlogListener) Start() error {
	pos, err := l.canal.GetMasterPos()
	if err != nil {
		return fmt.Errorf("failed to read master position: %w", err)
	}
	logger.Log.Info("Starting binlog listener",
		zap.String("host", l.cfg.Host),
		zap.String("file", pos.Name),
		zap.Uint32("pos", pos.Pos),
	)

	l.follow(func() error { return l.canal.RunFrom(pos) })
	return nil
}

// follow runs the canal loop in the background. done closes once the loop,
// and with it any OnRow call, has returned.
func (l *BinlogListener) follow(run func() error) {
	l.started = true
	go func() {
		defer close(l.done)
		if err := run(); err != nil && l.ctx.Err() == nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()
}

// Stop closes the event channel only after the canal loop has exited, so a
// row handler can never send on a closed channel.
func (l *BinlogListener) Stop() {
	l.cancel()
	if l.canal != nil {
		l.canal.Close()
	}
	if l.started {
		<-l.done
	}
	close(l.eventChan)
	logger.Log.Info("Stopped binlog listener")
}

func (l *BinlogListener) Events() <-chan BinlogEvent {
	return l.eventChan
}

type eventHandler struct {
	canal.DummyEventHandler
	listener *BinlogListener
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	entity, ok := store.EntityForTable(e.Table.Name)
	if !ok {
		return nil
	}

	var eventType EventType
	switch e.Action {
	case canal.InsertAction:
		eventType = Insert
	case canal.UpdateAction:
		eventType = Update
	case canal.DeleteAction:
		eventType = Delete
	default:
		return nil
	}

	ids := rowIDs(eventType, e.Table.FindColumn("id"), e.Rows)
	if len(ids) == 0 {
		return nil
	}

	at := time.Now().UTC()
	if e.Header != nil && e.Header.Timestamp > 0 {
		at = time.Unix(int64(e.Header.Timestamp), 0).UTC()
	}

	event := BinlogEvent{
		Type:      eventType,
		Entity:    entity,
		Table:     e.Table.Name,
		IDs:       ids,
		Timestamp: at,
	}

	return h.listener.emit(event)
}

// emit blocks while the queue is full so canal applies backpressure.
func (l *BinlogListener) emit(event BinlogEvent) error {
	select {
	case l.eventChan <- event:
		return nil
	case <-l.ctx.Done():
		return l.ctx.Err()
	}
}

func (h *eventHandler) String() string {
	return "ChangeNoticeHandler"
}

// rowIDs pulls the primary key out of binlog row images. Update events carry
// before/after pairs; only the after image is read.
func rowIDs(t EventType, idCol int, rows [][]interface{}) []string {
	if idCol < 0 {
		return nil
	}
	start, step := 0, 1
	if t == Update {
		start, step = 1, 2
	}
	var ids []string
	for i := start; i < len(rows); i += step {
		row := rows[i]
		if idCol >= len(row) {
			continue
		}
		switch v := row[idCol].(type) {
		case string:
			ids = append(ids, v)
		case []byte:
			ids = append(ids, string(v))
		case nil:
		default:
			ids = append(ids, fmt.Sprint(v))
		}
	}
	return ids
}
