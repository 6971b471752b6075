package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/incremental"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/natsutil"
)

var errNoEvents = errors.New("events need nats_url (or NATS_URL) to be set")

// event is one line of `leasequeue events` output.
type event struct {
	Subject string          `json:"subject"`
	Payload json.RawMessage `json:"payload"`
}

func cmdEvents(ctx context.Context, args []string, stdout io.Writer) error {
	fs, flags := newFlagSet("events", stdout)
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.nc == nil {
		return errNoEvents
	}
	return followEvents(ctx, a.nc, stdout, a.log)
}

// followEvents prints every engine event as a JSON line until ctx is done.
func followEvents(ctx context.Context, nc *nats.Conn, w io.Writer, log *slog.Logger) error {
	var mu sync.Mutex
	enc := json.NewEncoder(w)

	subjects := []string{incremental.SubjectDetectResult, incremental.SubjectItemFailed, incremental.SubjectRunReport}
	subs := make([]*nats.Subscription, 0, len(subjects))
	defer func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}()
	for _, subject := range subjects {
		s, err := natsutil.Subscribe(nc, subject, func(_ context.Context, payload json.RawMessage) {
			mu.Lock()
			defer mu.Unlock()
			if err := enc.Encode(event{Subject: subject, Payload: payload}); err != nil {
				log.Warn("write event", "subject", subject, "error", err)
			}
		}, func(err error) {
			log.Warn("undecodable event", "error", err)
		})
		if err != nil {
			return err
		}
		subs = append(subs, s)
	}
	if err := nc.Flush(); err != nil {
		return err
	}
	log.Info("following events", "subjects", subjects)
	<-ctx.Done()
	return nil
}
