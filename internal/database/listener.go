package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/umar/bonded-messaging/internal/models"
)

// InsertChannel is the NOTIFY channel the messages trigger publishes new row keys on.
const InsertChannel = "message_inserts"

const loadTimeout = 5 * time.Second

// MessageLoader reads back a notified row. Store implements it.
type MessageLoader interface {
	GetMessage(ctx context.Context, id string) (*models.Message, error)
}

type insertNotice struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// ChangeFeed streams inserted message rows from Postgres LISTEN/NOTIFY.
type ChangeFeed struct {
	dsn    string
	loader MessageLoader
	logger *zap.Logger
}

func NewChangeFeed(dsn string, loader MessageLoader, logger *zap.Logger) *ChangeFeed {
	return &ChangeFeed{dsn: dsn, loader: loader, logger: logger.Named("changefeed")}
}

// Run delivers every inserted row to fn until ctx is done. Notifications that fail to
// parse or whose row cannot be read are logged and skipped.
func (f *ChangeFeed) Run(ctx context.Context, fn func(models.Message)) error {
	listener := pq.NewListener(f.dsn, listenerMinReconnect, listenerMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventConnected:
				f.logger.Info("listening for message inserts")
			case pq.ListenerEventDisconnected:
				f.logger.Warn("change feed disconnected", zap.Error(err))
			case pq.ListenerEventReconnected:
				f.logger.Info("change feed reconnected")
			case pq.ListenerEventConnectionAttemptFailed:
				f.logger.Warn("change feed connection attempt failed", zap.Error(err))
			}
		})
	defer listener.Close()

	if err := listener.Listen(InsertChannel); err != nil {
		return err
	}

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-listener.Notify:
			if n == nil {
				// reconnected; notifications sent while down are lost
				continue
			}
			msg, err := f.load(ctx, n.Extra)
			if err != nil {
				f.logger.Warn("dropping insert notification", zap.String("payload", n.Extra), zap.Error(err))
				continue
			}
			fn(*msg)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				f.logger.Warn("change feed ping failed", zap.Error(err))
			}
		}
	}
}

func (f *ChangeFeed) load(ctx context.Context, payload string) (*models.Message, error) {
	var notice insertNotice
	if err := json.Unmarshal([]byte(payload), &notice); err != nil {
		return nil, errors.Wrap(err, "decode notification")
	}
	if notice.ID == "" {
		return nil, errors.New("notification has no message id")
	}
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	return f.loader.GetMessage(ctx, notice.ID)
}
