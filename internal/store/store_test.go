package store

// Both backends must satisfy the full Store interface.
var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
