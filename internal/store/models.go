package store

// Entity rows carry the LWW bookkeeping columns: UpdatedAtMs (latest winning
// write), DeletedAtMs (tombstone timestamp, 0 = never deleted) and
// LastWriteID (op_id of the last winning write, the deterministic tie-break).
//
// A row is live when DeletedAtMs == 0 or UpdatedAtMs > DeletedAtMs; an edit
// newer than the tombstone revives the entity.

type Conversation struct {
	ID          string
	Title       *string
	Summary     *string
	CreatedAtMs int64
	UpdatedAtMs int64
	DeletedAtMs int64
	LastWriteID string
}

type Message struct {
	ID             string
	ConversationID string
	Role           *string
	Body           *string
	CreatedAtMs    int64
	UpdatedAtMs    int64
	DeletedAtMs    int64
	LastWriteID    string
	TagsUpdatedMs  int64
	TagsWriteID    string
}

type Tag struct {
	ID          string
	Name        *string
	Color       *string
	CreatedAtMs int64
	UpdatedAtMs int64
	DeletedAtMs int64
	LastWriteID string
}

type Thread struct {
	ID             string
	Title          *string
	CreatedAtMs    int64
	UpdatedAtMs    int64
	DeletedAtMs    int64
	LastWriteID    string
	ItemsUpdatedMs int64
	ItemsWriteID   string
}

type Todo struct {
	ID          string
	Title       *string
	Notes       *string
	DueAtMs     *int64
	DoneAtMs    *int64
	CreatedAtMs int64
	UpdatedAtMs int64
	DeletedAtMs int64
	LastWriteID string
}

type Attachment struct {
	ID          string
	MessageID   string
	SHA256      string
	ByteLen     int64
	Mime        *string
	CreatedAtMs int64
	UpdatedAtMs int64
	DeletedAtMs int64
	LastWriteID string
}

// Live reports the tombstone-vs-edit liveness rule shared by all entities.
func Live(updatedAtMs, deletedAtMs int64) bool {
	return deletedAtMs == 0 || updatedAtMs > deletedAtMs
}
