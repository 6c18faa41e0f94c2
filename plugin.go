package mirror

// a hook receives the owning client explicitly
type HookFunc func(client *Client)

// optional hooks around client lifecycle and diff application.
// nil hooks are skipped. For one event the before hooks of all plugins
// run in plugin order, then the event, then the after hooks.
type Plugin struct {
	Init HookFunc

	BeforeConnected HookFunc
	AfterConnected  HookFunc

	BeforeSubsRestart HookFunc
	AfterSubsRestart  HookFunc

	BeforeDisconnected HookFunc
	AfterDisconnected  HookFunc

	BeforeAdded HookFunc
	AfterAdded  HookFunc

	BeforeChanged HookFunc
	AfterChanged  HookFunc

	BeforeRemoved HookFunc
	AfterRemoved  HookFunc

	After HookFunc
}

func (self *Client) runHooks(get func(plugin *Plugin) HookFunc) {
	for _, plugin := range self.settings.Plugins {
		if hook := get(plugin); hook != nil {
			safeInvoke(func() {
				hook(self)
			})
		}
	}
}
