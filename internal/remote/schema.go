package remote

// SchemaSQL defines the per-user state table. Documents are schemaless so
// that preference fields can evolve without migrations.
const SchemaSQL = `
    DEFINE TABLE IF NOT EXISTS user_state SCHEMALESS;
    DEFINE FIELD IF NOT EXISTS updated_at ON user_state TYPE option<datetime>;
`
