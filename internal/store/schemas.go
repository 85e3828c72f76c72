package store

// Collection names of SessionSchema.
const (
	ContactsCollection  = "contacts"
	ChatRoomsCollection = "chatrooms"
	CacheMetaCollection = "cache_meta"
)

// SessionSchema holds the contact directory and per-conversation cache metadata.
var SessionSchema = Schema{
	Name:    "session",
	Version: 3,
	Collections: []Collection{
		{
			Name:    ContactsCollection,
			KeyPath: "wxid",
			Indexes: []Index{
				{Name: "nickname", KeyPath: "nickname"},
				{Name: "remark", KeyPath: "remark"},
				{Name: "alias", KeyPath: "alias"},
				{Name: "type", KeyPath: "type"},
				{Name: "verifyFlag", KeyPath: "verifyFlag"},
				{Name: "reserved1", KeyPath: "reserved1"},
			},
		},
		{
			Name:    ChatRoomsCollection,
			KeyPath: "chatroomId",
			Indexes: []Index{
				{Name: "name", KeyPath: "name"},
				{Name: "memberCount", KeyPath: "memberCount"},
				{Name: "reserved1", KeyPath: "reserved1"},
			},
		},
		{
			Name:    CacheMetaCollection,
			KeyPath: "talker",
			Indexes: []Index{
				{Name: "updatedAt", KeyPath: "updatedAt"},
			},
		},
	},
}

// AssistantSchema holds the records owned by the AI collaborator. This
// module only declares and maintains the layout.
var AssistantSchema = Schema{
	Name:    "assistant",
	Version: 4,
	Collections: []Collection{
		{
			Name:    "prompts",
			KeyPath: "id",
			Indexes: []Index{
				{Name: "category", KeyPath: "category"},
				{Name: "createdAt", KeyPath: "createdAt"},
				{Name: "updatedAt", KeyPath: "updatedAt"},
				{Name: "isFavorite", KeyPath: "isFavorite"},
				{Name: "isBuiltIn", KeyPath: "isBuiltIn"},
			},
		},
		{
			Name:    "ai_conversations",
			KeyPath: "id",
			Indexes: []Index{
				{Name: "createdAt", KeyPath: "createdAt"},
				{Name: "updatedAt", KeyPath: "updatedAt"},
			},
		},
		{
			Name:    "ai_messages",
			KeyPath: "id",
			Indexes: []Index{
				{Name: "conversationId", KeyPath: "conversationId"},
				{Name: "role", KeyPath: "role"},
				{Name: "timestamp", KeyPath: "timestamp"},
			},
		},
		{
			Name:    "ai_config",
			KeyPath: "key",
		},
	},
}

// CacheMeta records what was last fetched for a conversation.
type CacheMeta struct {
	Talker       string `json:"talker"`
	OldestTime   int64  `json:"oldestTime"`
	NewestTime   int64  `json:"newestTime"`
	MessageCount int    `json:"messageCount"`
	UpdatedAt    int64  `json:"updatedAt"`
}
