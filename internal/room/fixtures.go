package room

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/christopherjohns/huddle/internal/user"
	"gopkg.in/yaml.v3"
)

// Fixtures describes users, rooms and direct chats to seed a directory with.
type Fixtures struct {
	Users       []user.User   `yaml:"users"`
	Rooms       []FixtureRoom `yaml:"rooms"`
	DirectChats []FixtureChat `yaml:"direct_chats"`
}

// FixtureRoom is a room and its members.
type FixtureRoom struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Code      string   `yaml:"code"`
	CreatorID string   `yaml:"creator_id"`
	Members   []string `yaml:"members"`
}

// FixtureChat is a direct chat between two users.
type FixtureChat struct {
	ID         string `yaml:"id"`
	SenderID   string `yaml:"sender_id"`
	ReceiverID string `yaml:"receiver_id"`
}

// ReadFixtures decodes a YAML fixtures file.
func ReadFixtures(path string) (Fixtures, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fixtures{}, fmt.Errorf("open fixtures: %w", err)
	}
	defer f.Close()
	return DecodeFixtures(f)
}

// DecodeFixtures decodes YAML fixtures from r. An empty document is valid.
func DecodeFixtures(r io.Reader) (Fixtures, error) {
	var fx Fixtures
	if err := yaml.NewDecoder(r).Decode(&fx); err != nil && err != io.EOF {
		return Fixtures{}, fmt.Errorf("decode fixtures: %w", err)
	}
	return fx, nil
}

// LoadFixtures reads a YAML fixtures file into m.
func (m *Manager) LoadFixtures(path string) error {
	fx, err := ReadFixtures(path)
	if err != nil {
		return err
	}
	return m.Apply(fx)
}

// Seed decodes YAML fixtures from r and adds them to m.
func (m *Manager) Seed(r io.Reader) error {
	fx, err := DecodeFixtures(r)
	if err != nil {
		return err
	}
	return m.Apply(fx)
}

// Apply adds fixtures to m. Rooms and chats keep the ids given in the
// fixtures so clients can address them.
func (m *Manager) Apply(fx Fixtures) error {
	for _, u := range fx.Users {
		if u.ID == "" {
			return fmt.Errorf("fixture user without id")
		}
		m.users.Put(u)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, fr := range fx.Rooms {
		if fr.ID == "" {
			return fmt.Errorf("fixture room without id")
		}
		r := &Room{
			ID:        fr.ID,
			Name:      fr.Name,
			Code:      strings.ToUpper(fr.Code),
			CreatorID: fr.CreatorID,
			CreatedAt: now,
			members:   make(map[string]struct{}),
		}
		if r.Code == "" {
			r.Code = m.uniqueCode()
		}
		if r.CreatorID != "" {
			r.members[r.CreatorID] = struct{}{}
		}
		for _, id := range fr.Members {
			r.members[id] = struct{}{}
		}
		m.rooms[r.ID] = r
		m.codes[r.Code] = r.ID
	}
	for _, fd := range fx.DirectChats {
		if fd.ID == "" || fd.SenderID == "" || fd.ReceiverID == "" {
			return fmt.Errorf("fixture direct chat %q is incomplete", fd.ID)
		}
		if fd.SenderID == fd.ReceiverID {
			return fmt.Errorf("fixture direct chat %q: %w", fd.ID, ErrSelfChat)
		}
		m.directs[fd.ID] = &DirectChat{
			ID:         fd.ID,
			SenderID:   fd.SenderID,
			ReceiverID: fd.ReceiverID,
			CreatedAt:  now,
		}
	}
	return nil
}
