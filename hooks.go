package wallace

import "go.uber.org/zap"

// Hooks are best-effort lifecycle notifications. A nil field is skipped; a
// panicking hook is logged and never aborts the workflow.
type Hooks struct {
	OnStart          func(set *ScriptSet)
	OnBeforeMigrate  func(script *MigrationScript)
	OnAfterMigrate   func(script *MigrationScript)
	OnMigrationError func(script *MigrationScript, err error)
	OnComplete       func(result *MigrationResult)
	OnError          func(err error)
	OnBeforeBackup   func()
	OnAfterBackup    func(path string)
}

func (m *Migrator) fireHook(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("hook panicked", zap.String("hook", name), zap.Any("panic", r))
		}
	}()
	fn()
}

func (m *Migrator) fireStart(set *ScriptSet) {
	if m.hooks.OnStart != nil {
		m.fireHook("OnStart", func() { m.hooks.OnStart(set) })
	}
}

func (m *Migrator) fireBeforeMigrate(script *MigrationScript) {
	if m.hooks.OnBeforeMigrate != nil {
		m.fireHook("OnBeforeMigrate", func() { m.hooks.OnBeforeMigrate(script) })
	}
}

func (m *Migrator) fireAfterMigrate(script *MigrationScript) {
	if m.hooks.OnAfterMigrate != nil {
		m.fireHook("OnAfterMigrate", func() { m.hooks.OnAfterMigrate(script) })
	}
}

func (m *Migrator) fireMigrationError(script *MigrationScript, err error) {
	if m.hooks.OnMigrationError != nil {
		m.fireHook("OnMigrationError", func() { m.hooks.OnMigrationError(script, err) })
	}
}

func (m *Migrator) fireComplete(result *MigrationResult) {
	if m.hooks.OnComplete != nil {
		m.fireHook("OnComplete", func() { m.hooks.OnComplete(result) })
	}
}

func (m *Migrator) fireError(err error) {
	if m.hooks.OnError != nil {
		m.fireHook("OnError", func() { m.hooks.OnError(err) })
	}
}

func (m *Migrator) fireBeforeBackup() {
	if m.hooks.OnBeforeBackup != nil {
		m.fireHook("OnBeforeBackup", m.hooks.OnBeforeBackup)
	}
}

func (m *Migrator) fireAfterBackup(path string) {
	if m.hooks.OnAfterBackup != nil {
		m.fireHook("OnAfterBackup", func() { m.hooks.OnAfterBackup(path) })
	}
}
