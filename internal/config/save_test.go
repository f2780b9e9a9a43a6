package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func readRooms(t *testing.T, path string) []RoomConfig {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var parsed struct {
		Rooms []RoomConfig `yaml:"rooms"`
	}
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	return parsed.Rooms
}

func TestSaveRoomsCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	rooms := []RoomConfig{{ID: "default", AllowedAIs: []string{"alice", "bob"}}}
	require.NoError(t, SaveRooms(path, rooms))

	require.Equal(t, rooms, readRooms(t, path))
}

func TestSaveRoomsReplacesExistingSection(t *testing.T) {
	path := writeConfig(t, `room: default
rooms:
  - id: default
    allowed_ais: [old]
`)

	require.NoError(t, SaveRooms(path, []RoomConfig{{ID: "default", AllowedAIs: []string{"alice"}}}))

	rooms := readRooms(t, path)
	require.Len(t, rooms, 1)
	require.Equal(t, []string{"alice"}, rooms[0].AllowedAIs)
}

func TestSaveRoomsPreservesComments(t *testing.T) {
	path := writeConfig(t, `# my hub
room: default

# noise threshold notes
debug: true
`)

	require.NoError(t, SaveRooms(path, []RoomConfig{{ID: "dev", AllowedAIs: []string{"alice"}}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "# my hub")
	require.Contains(t, string(data), "# noise threshold notes")
	require.Contains(t, string(data), "debug: true")
}

func TestSetRoomAllowedAIs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	existing := []RoomConfig{{ID: "default", AllowedAIs: []string{"alice"}}}

	// Add a new room
	require.NoError(t, SetRoomAllowedAIs(path, "dev", []string{"bob"}, existing))
	rooms := readRooms(t, path)
	require.Len(t, rooms, 2)

	// Update an existing room
	require.NoError(t, SetRoomAllowedAIs(path, "default", []string{"carol"}, rooms))
	rooms = readRooms(t, path)
	for _, r := range rooms {
		if r.ID == "default" {
			require.Equal(t, []string{"carol"}, r.AllowedAIs)
		}
	}

	// Nil allow-list removes the entry
	require.NoError(t, SetRoomAllowedAIs(path, "dev", nil, rooms))
	rooms = readRooms(t, path)
	require.Len(t, rooms, 1)
	require.Equal(t, "default", rooms[0].ID)
}
