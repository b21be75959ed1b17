package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"apbdes/internal/config"
	"apbdes/internal/domain"
	"apbdes/internal/store"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookForwarder polls the event log and POSTs new events to configured
// URLs, so district-side systems can deep-link back into the portal. Best
// effort: a failed delivery is retried on the next tick from the same cursor.
type webhookForwarder struct {
	store    *store.DB
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookForwarder(cfg Config) {
	if len(cfg.Webhooks) == 0 || cfg.Store == nil {
		return
	}
	f := &webhookForwarder{
		store:    cfg.Store,
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go f.run()
}

func (f *webhookForwarder) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		f.dispatchAll()
		<-ticker.C
	}
}

func (f *webhookForwarder) dispatchAll() {
	for i, hook := range f.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		f.dispatch(i, hook)
	}
}

func (f *webhookForwarder) dispatch(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := f.cursorFor(idx)
	events, err := f.store.EventsAfter(ctx, defaultWebhookBatch, cursor, "")
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	for _, evt := range events {
		if err := f.post(hook.URL, evt); err != nil {
			log.Printf("webhook: deliver event %d to %s failed: %v", evt.ID, hook.URL, err)
			return
		}
		f.setCursor(idx, evt.ID)
	}
}

func (f *webhookForwarder) post(url string, evt domain.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return &webhookStatusError{status: res.StatusCode}
	}
	return nil
}

type webhookStatusError struct {
	status int
}

func (e *webhookStatusError) Error() string {
	return http.StatusText(e.status)
}

func (f *webhookForwarder) cursorFor(idx int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[idx]
}

func (f *webhookForwarder) setCursor(idx int, cursor int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cursor > f.cursors[idx] {
		f.cursors[idx] = cursor
	}
}
