// Package bridge wires a single plugin implementation into both the
// ingest host and the notify host under a matched pair of ids, so a
// plugin that both watches foreign state and emits notifications
// registers once instead of twice (spec.md §4.9). Engage additionally
// gives the plugin's notify side a path back into the Action Executor,
// the only way a consumer-originated action (e.g. a chat button) reaches
// the Store. The two-legged register-then-rollback-on-failure shape has
// no single corpus precedent; it composes internal/ingesthost's and
// internal/notifyhost's own Register/Unregister pairs (see those
// packages) with a plain best-effort rollback on the second leg's
// failure.
package bridge

import (
	"fmt"

	"github.com/homehub/msghub/internal/action"
	"github.com/homehub/msghub/internal/ingesthost"
	"github.com/homehub/msghub/internal/notifyhost"
)

// Hosts bundles the two plugin hosts a bridge registration spans.
type Hosts struct {
	Ingest *ingesthost.Host
	Notify *notifyhost.Host
}

// Register installs handler as both the ingest plugin and the notify
// consumer for id, using "<id>.ingest" and "<id>.notify" as the two
// hosts' registration keys. If the notify leg fails to register, the
// ingest leg already installed is unregistered before returning the
// error, so a failed Register never leaves a half-wired plugin behind.
func Register(hosts Hosts, id string, handler any) error {
	ingestID := id + ".ingest"
	notifyID := id + ".notify"

	if err := hosts.Ingest.RegisterPlugin(ingestID, handler); err != nil {
		return fmt.Errorf("bridge: register ingest leg for %q: %w", id, err)
	}
	if err := hosts.Notify.RegisterPlugin(notifyID, handler); err != nil {
		hosts.Ingest.UnregisterPlugin(ingestID)
		return fmt.Errorf("bridge: register notify leg for %q: %w", id, err)
	}
	return nil
}

// Unregister removes both legs of a prior Register call for id. Missing
// legs are a no-op, matching ingesthost/notifyhost's own Unregister
// semantics.
func Unregister(hosts Hosts, id string) {
	hosts.Ingest.UnregisterPlugin(id + ".ingest")
	hosts.Notify.UnregisterPlugin(id + ".notify")
}

// Engage is Register plus one extra step: it installs exec as the
// ActionAPI every notify Ctx carries from then on, so a plugin that acts
// as a chat/notification surface can route an authorized user action
// back into the Store via ctx.API.Action.Execute. There is only ever one
// active action route per notify host; calling Engage a second time
// replaces it.
func Engage(hosts Hosts, id string, handler any, exec *action.Executor) error {
	if err := Register(hosts, id, handler); err != nil {
		return err
	}
	SetActionAPI(hosts, exec)
	return nil
}

// SetActionAPI installs exec as the ActionAPI every notify Ctx carries
// from then on, independent of registering any particular plugin. A
// notify consumer that only displays messages (e.g. internal/livefeed)
// still needs a working ctx.API.Action.Execute for any viewer action it
// forwards, so this is wired once at startup rather than requiring a
// bridge.Engage call per consumer.
func SetActionAPI(hosts Hosts, exec *action.Executor) {
	hosts.Notify.SetActionAPI(executorAdapter{exec})
}

// executorAdapter narrows *action.Executor to notifyhost.ActionAPI,
// translating the three-argument call into an action.Request.
type executorAdapter struct {
	exec *action.Executor
}

func (a executorAdapter) Execute(ref, actionID, actor string) error {
	return a.exec.Execute(action.Request{Ref: ref, ActionID: actionID, Actor: actor})
}
