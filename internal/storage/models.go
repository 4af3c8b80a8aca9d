package storage

import "time"

// Player is a person connected through the website.
type Player struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"playerId"`
	Username     string     `gorm:"size:64;uniqueIndex;not null" json:"username"`
	SessionToken string     `gorm:"size:64;index" json:"-"`
	LastSeen     *time.Time `gorm:"index" json:"lastSeen,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// World is an imported world document.
type World struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"size:128;not null"`
	Description string `gorm:"type:text"`
	Author      string `gorm:"size:128"`
	PlayerCount int
	Version     string `gorm:"size:16"`
	CreatedAt   time.Time
}

// Room is a location inside a world.
type Room struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	WorldID      int64  `gorm:"not null;index"`
	InternalName string `gorm:"size:64;not null"`
	DisplayName  string `gorm:"size:128;not null"`
	Description  string `gorm:"type:text"`
	IsDark       bool   `gorm:"default:false"`
}

// Exit connects SourceRoomID to DestRoomID in one direction.
type Exit struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	SourceRoomID int64  `gorm:"not null;index:idx_exit_source_dir"`
	Direction    string `gorm:"size:16;not null;index:idx_exit_source_dir"`
	DestRoomID   int64  `gorm:"not null"`
	Description  string `gorm:"type:text"`
}

// Character is a role in a world, played by a player or by the AI.
type Character struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	WorldID       int64  `gorm:"not null;index"`
	PlayerID      *int64 `gorm:"index"`
	Name          string `gorm:"size:128;not null"`
	SecretGoal    string `gorm:"type:text"`
	PersonaPrompt string `gorm:"type:text"`
	IsAI          bool   `gorm:"default:false;index"`
	CurrentRoomID *int64
}

// Item is an object lying in a room or carried off the map.
type Item struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	WorldID       int64  `gorm:"not null;index"`
	Name          string `gorm:"size:128;not null"`
	Description   string `gorm:"type:text"`
	CurrentRoomID *int64 `gorm:"index"`
	IsHidden      bool   `gorm:"default:false"`
	IsCritical    bool   `gorm:"default:false"`
}

// Fact is a piece of world lore. Vector holds the JSON-encoded
// embedding once one has been computed.
type Fact struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	WorldID   int64  `gorm:"not null;index"`
	Attribute string `gorm:"size:128;not null"`
	Value     string `gorm:"type:text"`
	Vector    string `gorm:"type:text"`
}

// Session is the persistent record of one mission run.
type Session struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	WorldID   int64     `gorm:"not null;index"`
	StartTime time.Time `gorm:"not null"`
	EndTime   *time.Time
	IsActive  bool `gorm:"default:true;index"`
}

// AllModels returns every model for migration.
func AllModels() []any {
	return []any{
		&Player{},
		&World{},
		&Room{},
		&Exit{},
		&Character{},
		&Item{},
		&Fact{},
		&Session{},
	}
}
