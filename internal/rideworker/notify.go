package rideworker

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// Notifier is the host environment's notification surface.
type Notifier interface {
	Show(ctx context.Context, n NotificationPayload) error
}

// WindowClient is one open application window.
type WindowClient interface {
	URL() string
	Focus(ctx context.Context) error
}

// WindowRegistry enumerates and opens application windows.
type WindowRegistry interface {
	Windows(ctx context.Context) ([]WindowClient, error)
	Open(ctx context.Context, url string) (WindowClient, error)
}

const ActionDismiss = "dismiss"

var defaultVibrate = []int{100, 50, 100}

var defaultActions = []NotificationAction{
	{Action: "view", Title: "View"},
	{Action: ActionDismiss, Title: "Dismiss"},
}

// Dispatcher turns inbound push payloads into displayed notifications and
// routes notification clicks back into the app.
type Dispatcher struct {
	notifier Notifier
	windows  WindowRegistry
	cfg      NotifyConfig
	log      *zap.Logger
}

func newDispatcher(cfg NotifyConfig, notifier Notifier, windows WindowRegistry, log *zap.Logger) *Dispatcher {
	return &Dispatcher{notifier: notifier, windows: windows, cfg: cfg, log: log}
}

// DecodePush parses a push payload. A body that is not valid JSON degrades to
// a plain-text notification with the default title; decoding never fails.
func DecodePush(raw []byte, cfg NotifyConfig) NotificationPayload {
	var n NotificationPayload
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' || json.Unmarshal(trimmed, &n) != nil {
		n = NotificationPayload{Body: string(raw)}
	}
	if n.Title == "" {
		n.Title = cfg.DefaultTitle
	}
	if n.Icon == "" {
		n.Icon = cfg.DefaultIcon
	}
	if len(n.Vibrate) == 0 && !n.Silent {
		n.Vibrate = defaultVibrate
	}
	if len(n.Actions) == 0 {
		n.Actions = defaultActions
	}
	return n
}

// HandlePush decodes and displays a notification. Malformed payloads still
// produce a notification; only the display surface itself can fail.
func (d *Dispatcher) HandlePush(ctx context.Context, raw []byte) error {
	n := DecodePush(raw, d.cfg)
	if err := d.notifier.Show(ctx, n); err != nil {
		return err
	}
	notificationsShown.Inc()
	return nil
}

// targetURL resolves where a click should land. An explicit data.url wins;
// otherwise the payload type picks a view, defaulting to the app shell.
func (d *Dispatcher) targetURL(data NotificationData) string {
	if data.URL != "" {
		return data.URL
	}
	switch data.Type {
	case "booking":
		return d.cfg.BookingsURL
	case "ride":
		return d.cfg.SearchURL
	}
	return "/"
}

// HandleClick routes a notification interaction: dismiss is a no-op; anything
// else focuses a window already showing the target, or opens a new one.
func (d *Dispatcher) HandleClick(ctx context.Context, action string, n NotificationPayload) error {
	if action == ActionDismiss {
		return nil
	}
	target := d.targetURL(n.Data)

	wins, err := d.windows.Windows(ctx)
	if err != nil {
		return err
	}
	for _, w := range wins {
		if matchesLocation(w.URL(), target) {
			d.log.Info("focusing existing window", zap.String("url", target))
			return w.Focus(ctx)
		}
	}
	d.log.Info("opening window", zap.String("url", target))
	_, err = d.windows.Open(ctx, target)
	return err
}

// matchesLocation compares by path only, ignoring query and fragment, so a
// window on /bookings?tab=past still matches the bookings target.
func matchesLocation(current, target string) bool {
	trim := func(s string) string {
		if i := strings.IndexAny(s, "?#"); i >= 0 {
			s = s[:i]
		}
		if len(s) > 1 {
			s = strings.TrimRight(s, "/")
		}
		return s
	}
	return trim(current) == trim(target)
}
