package audit

// NoOpLogger discards every entry. The orchestrator falls back to it when no
// audit logger is configured, so event handlers never need a nil check.
type NoOpLogger struct{}

func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

// Query always returns an empty result.
func (NoOpLogger) Query(QueryOptions) (QueryResult, error) {
	return QueryResult{}, nil
}

func (NoOpLogger) Log(string, bool, map[string]interface{}) error {
	return nil
}

func (NoOpLogger) Close() error {
	return nil
}
