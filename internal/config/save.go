// Room allow-list persistence. Rewrites only the rooms section of the config
// file so comments and formatting elsewhere survive.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SaveRooms updates the rooms section in the config file.
// This preserves comments and formatting in other sections by using yaml.Node.
func SaveRooms(configPath string, rooms []RoomConfig) error {
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	roomsNode := buildRoomsNode(rooms)

	if doc.Kind == 0 {
		// Empty or new file
		doc = yaml.Node{
			Kind: yaml.DocumentNode,
			Content: []*yaml.Node{
				{
					Kind: yaml.MappingNode,
					Content: []*yaml.Node{
						{Kind: yaml.ScalarNode, Value: "rooms"},
						roomsNode,
					},
				},
			},
		}
	} else if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind == yaml.MappingNode {
			found := false
			for i := 0; i < len(root.Content)-1; i += 2 {
				if root.Content[i].Value == "rooms" {
					root.Content[i+1] = roomsNode
					found = true
					break
				}
			}
			if !found {
				root.Content = append(root.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Value: "rooms"},
					roomsNode,
				)
			}
		}
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(configPath, buf.Bytes())
}

// SetRoomAllowedAIs updates one room's allow-list and saves. A nil allowed
// list removes the room entry, lifting the restriction.
func SetRoomAllowedAIs(configPath, roomID string, allowed []string, allRooms []RoomConfig) error {
	updated := make([]RoomConfig, 0, len(allRooms)+1)
	found := false
	for _, room := range allRooms {
		if room.ID != roomID {
			updated = append(updated, room)
			continue
		}
		found = true
		if allowed != nil {
			updated = append(updated, RoomConfig{ID: roomID, AllowedAIs: allowed})
		}
	}
	if !found && allowed != nil {
		updated = append(updated, RoomConfig{ID: roomID, AllowedAIs: allowed})
	}
	return SaveRooms(configPath, updated)
}

// buildRoomsNode creates a yaml.Node representing the rooms array.
func buildRoomsNode(rooms []RoomConfig) *yaml.Node {
	node := &yaml.Node{
		Kind:    yaml.SequenceNode,
		Content: make([]*yaml.Node, 0, len(rooms)),
	}

	for _, room := range rooms {
		allowedNode := &yaml.Node{
			Kind:  yaml.SequenceNode,
			Style: yaml.FlowStyle,
		}
		for _, id := range room.AllowedAIs {
			allowedNode.Content = append(allowedNode.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: id})
		}

		roomNode := &yaml.Node{
			Kind: yaml.MappingNode,
			Content: []*yaml.Node{
				{Kind: yaml.ScalarNode, Value: "id"},
				{Kind: yaml.ScalarNode, Value: room.ID},
				{Kind: yaml.ScalarNode, Value: "allowed_ais"},
				allowedNode,
			},
		}

		node.Content = append(node.Content, roomNode)
	}

	return node
}

// writeAtomic writes data via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".confab.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
