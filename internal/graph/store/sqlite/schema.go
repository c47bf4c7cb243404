package sqlite

// schema is applied once per connection open. CREATE TABLE/INDEX IF NOT
// EXISTS makes it idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id            TEXT PRIMARY KEY,
	content       TEXT NOT NULL DEFAULT '',
	content_plain TEXT NOT NULL DEFAULT '',
	system_id     TEXT UNIQUE,
	owner_id      TEXT,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	deleted_at    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_nodes_owner_id ON nodes(owner_id);
CREATE INDEX IF NOT EXISTS idx_nodes_content_plain ON nodes(content_plain);

CREATE TABLE IF NOT EXISTS node_properties (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	node_id       TEXT NOT NULL,
	field_node_id TEXT NOT NULL,
	value         TEXT NOT NULL,
	"order"       INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_props_node_id ON node_properties(node_id);
CREATE INDEX IF NOT EXISTS idx_props_field_node_id ON node_properties(field_node_id);
CREATE INDEX IF NOT EXISTS idx_props_value ON node_properties(value);
CREATE UNIQUE INDEX IF NOT EXISTS uq_props_node_field_order
	ON node_properties(node_id, field_node_id, "order");
`
