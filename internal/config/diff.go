package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only settings that can be applied without a restart are tracked; listen
// address, providers and store changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RatesChanged reports a change in any billing rate.
	RatesChanged bool

	// CatalogChanged reports a new scenarios path.
	CatalogChanged bool

	// DialogueChanged reports a change in token budgets, default voice,
	// synthesis cap or reconcile window.
	DialogueChanged bool

	// RestartRequired lists the sections whose change only takes effect
	// after a restart.
	RestartRequired []string
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RatesChanged && !d.CatalogChanged && !d.DialogueChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.RatesChanged = !maps.Equal(old.Billing, new.Billing)
	d.CatalogChanged = old.Catalog != new.Catalog
	d.DialogueChanged = old.Dialogue != new.Dialogue

	if old.Server.ListenAddr != new.Server.ListenAddr || tlsChanged(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	return d
}

func tlsChanged(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a != b
	}
	return *a != *b
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.LLM, b.LLM) && entryEqual(a.STT, b.STT) && entryEqual(a.TTS, b.TTS)
}

// entryEqual compares the fields that select and authenticate a provider.
// Options are not compared.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !entryEqual(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}
