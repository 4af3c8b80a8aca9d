// Package storage persists players, worlds and session records in a
// relational database through gorm. SQLite is the default backend;
// MySQL-compatible servers are supported for shared deployments.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nugget/playertxt/internal/scenario"
)

var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable wraps every failure of the database itself.
	ErrUnavailable = errors.New("storage unavailable")
)

// OnlineWindow is how recently a player must have been seen to count as
// online.
const OnlineWindow = 10 * time.Minute

// Store is the gorm-backed storage implementation. All methods are safe
// for concurrent use.
type Store struct {
	db     *gorm.DB
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open connects to the configured backend and migrates the schema.
// For sqlite the DSN is a file path whose directory is created if
// needed.
func Open(driver, dsn string, opts ...Option) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		if dir := filepath.Dir(dsn); dir != "." && dsn != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: connect %s: %w", driver, err)
	}
	return New(db, opts...)
}

// New wraps an open gorm connection and migrates the schema.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("storage: auto-migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Ping runs a trivial round-trip query.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("SELECT 1").Error; err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// FindOrCreatePlayer returns the player with username, creating it on
// first sight.
func (s *Store) FindOrCreatePlayer(ctx context.Context, username string) (*Player, error) {
	p := Player{Username: username}
	err := s.db.WithContext(ctx).
		Where(Player{Username: username}).
		FirstOrCreate(&p).Error
	if err != nil {
		return nil, unavailable("find or create player", err)
	}
	return &p, nil
}

// SetPlayerToken stores the player's session token and marks them seen.
func (s *Store) SetPlayerToken(ctx context.Context, playerID int64, token string) error {
	seen := s.timestamp()
	res := s.db.WithContext(ctx).Model(&Player{}).
		Where("id = ?", playerID).
		Updates(map[string]any{"session_token": token, "last_seen": seen})
	if res.Error != nil {
		return unavailable("set player token", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("player %d: %w", playerID, ErrNotFound)
	}
	return nil
}

// PlayerByToken resolves a session token and refreshes the player's
// last-seen time.
func (s *Store) PlayerByToken(ctx context.Context, token string) (*Player, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	var p Player
	err := s.db.WithContext(ctx).Where("session_token = ?", token).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("player by token", err)
	}

	seen := s.timestamp()
	if err := s.db.WithContext(ctx).Model(&p).Update("last_seen", seen).Error; err != nil {
		s.logger.Warn("failed to refresh last seen", "player_id", p.ID, "error", err)
	} else {
		p.LastSeen = &seen
	}
	return &p, nil
}

// character returns the character currently bound to playerID.
func (s *Store) character(ctx context.Context, playerID int64) (*Character, error) {
	var c Character
	err := s.db.WithContext(ctx).Where("player_id = ?", playerID).Order("id DESC").First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("character for player %d: %w", playerID, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("character", err)
	}
	return &c, nil
}

// AssignCharacter binds playerID to a character in worldID. A player
// already bound in that world keeps their character; otherwise the
// first free human character is taken and any binding in another world
// is released.
func (s *Store) AssignCharacter(ctx context.Context, playerID, worldID int64) (*Character, error) {
	var out Character
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("player_id = ? AND world_id = ?", playerID, worldID).First(&out).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		err = tx.Where("world_id = ? AND player_id IS NULL AND is_ai = ?", worldID, false).
			Order("id").First(&out).Error
		if err != nil {
			return err
		}
		if err := tx.Model(&Character{}).
			Where("player_id = ? AND world_id <> ?", playerID, worldID).
			Update("player_id", nil).Error; err != nil {
			return err
		}
		out.PlayerID = &playerID
		return tx.Model(&out).Update("player_id", playerID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("free character in world %d: %w", worldID, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("assign character", err)
	}
	return &out, nil
}

// RoomView is what a player's character can currently see.
type RoomView struct {
	CharacterID   int64
	CharacterName string
	WorldID       int64
	RoomID        int64
	RoomName      string
	Description   string
	IsDark        bool
	Items         []ItemView
	Exits         []ExitView
}

// ItemView is a visible item.
type ItemView struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ExitView is an exit from a room.
type ExitView struct {
	Direction   string `json:"direction"`
	Description string `json:"description"`
	DestRoomID  int64  `json:"-"`
}

// PlayerView returns the room, visible items and exits for the
// player's character.
func (s *Store) PlayerView(ctx context.Context, playerID int64) (*RoomView, error) {
	c, err := s.character(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if c.CurrentRoomID == nil {
		return nil, fmt.Errorf("room for character %d: %w", c.ID, ErrNotFound)
	}

	var room Room
	err = s.db.WithContext(ctx).First(&room, *c.CurrentRoomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("room %d: %w", *c.CurrentRoomID, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("room", err)
	}

	v := &RoomView{
		CharacterID:   c.ID,
		CharacterName: c.Name,
		WorldID:       c.WorldID,
		RoomID:        room.ID,
		RoomName:      room.DisplayName,
		Description:   room.Description,
		IsDark:        room.IsDark,
		Items:         []ItemView{},
		Exits:         []ExitView{},
	}

	var items []Item
	if err := s.db.WithContext(ctx).
		Where("current_room_id = ? AND is_hidden = ?", room.ID, false).
		Order("id").Find(&items).Error; err != nil {
		return nil, unavailable("items", err)
	}
	for _, it := range items {
		v.Items = append(v.Items, ItemView{Name: it.Name, Description: it.Description})
	}

	var exits []Exit
	if err := s.db.WithContext(ctx).
		Where("source_room_id = ?", room.ID).
		Order("id").Find(&exits).Error; err != nil {
		return nil, unavailable("exits", err)
	}
	for _, e := range exits {
		v.Exits = append(v.Exits, ExitView{Direction: e.Direction, Description: e.Description, DestRoomID: e.DestRoomID})
	}
	return v, nil
}

// ExitFrom finds the exit in direction from the player's current room.
// It returns ErrNotFound when there is no such exit or no character.
func (s *Store) ExitFrom(ctx context.Context, playerID int64, direction string) (*ExitView, error) {
	c, err := s.character(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if c.CurrentRoomID == nil {
		return nil, fmt.Errorf("room for character %d: %w", c.ID, ErrNotFound)
	}

	var e Exit
	err = s.db.WithContext(ctx).
		Where("source_room_id = ? AND direction = ?", *c.CurrentRoomID, direction).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("exit %s: %w", direction, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("exit", err)
	}
	return &ExitView{Direction: e.Direction, Description: e.Description, DestRoomID: e.DestRoomID}, nil
}

// MovePlayer sets the current room of the player's character.
func (s *Store) MovePlayer(ctx context.Context, playerID, roomID int64) error {
	res := s.db.WithContext(ctx).Model(&Character{}).
		Where("player_id = ?", playerID).
		Update("current_room_id", roomID)
	if res.Error != nil {
		return unavailable("move player", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("character for player %d: %w", playerID, ErrNotFound)
	}
	return nil
}

// OpenSession inserts an active session record and returns its id.
func (s *Store) OpenSession(ctx context.Context, worldID int64) (int64, error) {
	rec := Session{WorldID: worldID, StartTime: s.timestamp(), IsActive: true}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return 0, unavailable("open session", err)
	}
	return rec.ID, nil
}

// CloseSession marks a session record inactive and stamps its end
// time. Closing an already closed or unknown record is a no-op.
func (s *Store) CloseSession(ctx context.Context, id int64) error {
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]any{"is_active": false, "end_time": s.timestamp()}).Error
	if err != nil {
		return unavailable("close session", err)
	}
	return nil
}

// SessionByID returns one session record.
func (s *Store) SessionByID(ctx context.Context, id int64) (*Session, error) {
	var rec Session
	err := s.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("session", err)
	}
	return &rec, nil
}

// ListWorlds returns every world, newest first.
func (s *Store) ListWorlds(ctx context.Context) ([]World, error) {
	var worlds []World
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&worlds).Error; err != nil {
		return nil, unavailable("list worlds", err)
	}
	return worlds, nil
}

// CountWorlds returns how many worlds are stored.
func (s *Store) CountWorlds(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&World{}).Count(&n).Error; err != nil {
		return 0, unavailable("count worlds", err)
	}
	return n, nil
}

// ImportWorld writes a validated world document in one transaction and
// returns the new world id.
func (s *Store) ImportWorld(ctx context.Context, doc *scenario.World) (int64, error) {
	var worldID int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w := World{
			Name:        doc.Metadata.Name,
			Description: doc.Metadata.Description,
			Author:      doc.Metadata.Author,
			PlayerCount: doc.Metadata.PlayerCount,
			Version:     doc.Version,
			CreatedAt:   s.timestamp(),
		}
		if err := tx.Create(&w).Error; err != nil {
			return fmt.Errorf("world: %w", err)
		}
		worldID = w.ID

		roomIDs := make(map[string]int64, len(doc.SeedData.Rooms))
		for _, r := range doc.SeedData.Rooms {
			row := Room{
				WorldID:      w.ID,
				InternalName: r.InternalName,
				DisplayName:  r.DisplayName,
				Description:  r.Description,
				IsDark:       r.IsDark,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("room %s: %w", r.InternalName, err)
			}
			roomIDs[r.InternalName] = row.ID
		}

		for _, r := range doc.SeedData.Rooms {
			for _, x := range r.Exits {
				row := Exit{
					SourceRoomID: roomIDs[r.InternalName],
					Direction:    x.Direction,
					DestRoomID:   roomIDs[x.Target],
					Description:  x.Description,
				}
				if err := tx.Create(&row).Error; err != nil {
					return fmt.Errorf("exit %s %s: %w", r.InternalName, x.Direction, err)
				}
			}
		}

		for _, c := range doc.SeedData.Characters {
			row := Character{
				WorldID:       w.ID,
				Name:          c.Name,
				SecretGoal:    c.SecretGoal,
				PersonaPrompt: c.PersonaPrompt,
				IsAI:          c.IsAI,
			}
			if id, ok := roomIDs[doc.StartRoom(c)]; ok {
				row.CurrentRoomID = &id
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("character %s: %w", c.Name, err)
			}
		}

		for _, it := range doc.SeedData.Items {
			row := Item{
				WorldID:     w.ID,
				Name:        it.Name,
				Description: it.Description,
				IsHidden:    it.Hidden,
				IsCritical:  it.Critical,
			}
			if id, ok := roomIDs[it.Room]; ok {
				row.CurrentRoomID = &id
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("item %s: %w", it.Name, err)
			}
		}

		for _, f := range doc.SeedData.Facts {
			row := Fact{WorldID: w.ID, Attribute: f.Attribute, Value: f.Value}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("fact %s: %w", f.Attribute, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("import world", err)
	}

	s.logger.Info("world imported",
		"world_id", worldID,
		"name", doc.Metadata.Name,
		"rooms", len(doc.SeedData.Rooms),
		"characters", len(doc.SeedData.Characters),
	)
	return worldID, nil
}

// Facts returns the lore of worldID.
func (s *Store) Facts(ctx context.Context, worldID int64) ([]Fact, error) {
	var facts []Fact
	if err := s.db.WithContext(ctx).Where("world_id = ?", worldID).Order("id").Find(&facts).Error; err != nil {
		return nil, unavailable("facts", err)
	}
	return facts, nil
}

// SaveFactVector stores the embedding of a fact.
func (s *Store) SaveFactVector(ctx context.Context, factID int64, vec []float32) error {
	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("encode vector: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&Fact{}).Where("id = ?", factID).Update("vector", string(data))
	if res.Error != nil {
		return unavailable("save fact vector", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("fact %d: %w", factID, ErrNotFound)
	}
	return nil
}

// Embedding decodes the stored vector. It returns nil when none has
// been computed yet.
func (f Fact) Embedding() ([]float32, error) {
	if f.Vector == "" {
		return nil, nil
	}
	var vec []float32
	if err := json.Unmarshal([]byte(f.Vector), &vec); err != nil {
		return nil, fmt.Errorf("decode vector for fact %d: %w", f.ID, err)
	}
	return vec, nil
}

// Stats are the admin dashboard counters.
type Stats struct {
	ActiveSessions int64 `json:"activeSessions"`
	OnlinePlayers  int64 `json:"onlinePlayers"`
	AIAgents       int64 `json:"aiAgents"`
}

// Stats counts active session records, players seen within
// OnlineWindow and AI-driven characters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx)
	if err := db.Model(&Session{}).Where("is_active = ?", true).Count(&st.ActiveSessions).Error; err != nil {
		return st, unavailable("count sessions", err)
	}
	since := s.timestamp().Add(-OnlineWindow)
	if err := db.Model(&Player{}).Where("last_seen > ?", since).Count(&st.OnlinePlayers).Error; err != nil {
		return st, unavailable("count players", err)
	}
	if err := db.Model(&Character{}).Where("is_ai = ?", true).Count(&st.AIAgents).Error; err != nil {
		return st, unavailable("count characters", err)
	}
	return st, nil
}

// PlayerRow is one line of the admin player list.
type PlayerRow struct {
	PlayerID      int64   `json:"PlayerID"`
	Username      string  `json:"Username"`
	CharacterName *string `json:"CharacterName"`
	RoomName      *string `json:"RoomName"`
	IsAI          *bool   `json:"IsAI"`
}

// RecentPlayers lists players seen within window with their character
// and room, if any.
func (s *Store) RecentPlayers(ctx context.Context, window time.Duration) ([]PlayerRow, error) {
	rows := []PlayerRow{}
	since := s.timestamp().Add(-window)
	err := s.db.WithContext(ctx).
		Table("players AS p").
		Select("p.id AS player_id, p.username, c.name AS character_name, r.display_name AS room_name, c.is_ai").
		Joins("LEFT JOIN characters AS c ON c.player_id = p.id").
		Joins("LEFT JOIN rooms AS r ON r.id = c.current_room_id").
		Where("p.last_seen > ?", since).
		Order("p.username").
		Scan(&rows).Error
	if err != nil {
		return nil, unavailable("recent players", err)
	}
	return rows, nil
}
