package config

// Secret is a string type that redacts itself when printed. Every
// credential and API key in Config (encryption keys, admin API keys,
// alert webhook URLs) uses this type instead of string so a stray
// log.Printf("%v", cfg) or yaml.Marshal(cfg) can never leak one.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString backs %#v formatting (e.g. in a panic's stack dump of a
// struct containing a Secret); always redacted, even for the zero value.
func (s Secret) GoString() string {
	return "[REDACTED]"
}

// MarshalJSON ensures secrets are redacted when marshaled to JSON
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// MarshalYAML ensures secrets are redacted when marshaled to YAML,
// which is how Config.String() renders the whole configuration.
func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return "[REDACTED]", nil
}

// GormValue ensures secrets are redacted when logging SQL queries (if Gorm is used)
func (s Secret) GormValue(ctx interface{}, db interface{}) interface{} {
	return "[REDACTED]"
}
