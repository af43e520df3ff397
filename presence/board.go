package presence

import (
	"encoding/json"
	"fmt"
)

// BoardKey is the metadata key holding the drawing-board state of a peer.
const BoardKey = "board"

// Tool is the active drawing tool of a peer.
type Tool string

const (
	ToolNone     Tool = "none"
	ToolSelector Tool = "selector"
	ToolRect     Tool = "rect"
	ToolLine     Tool = "line"
	ToolEraser   Tool = "eraser"
)

// Board is the cursor and tool state a peer shares while drawing.
type Board struct {
	Tool    Tool    `json:"tool"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Pressed bool    `json:"pressed,omitempty"`
	Color   string  `json:"color,omitempty"`
}

func EncodeBoard(b Board) (string, error) {
	buf, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode board: %w", err)
	}
	return string(buf), nil
}

// DecodeBoard reads the board state of md. ok is false when md has no board
// entry.
func DecodeBoard(md Metadata) (b Board, ok bool, err error) {
	raw, ok := md[BoardKey]
	if !ok {
		return Board{}, false, nil
	}
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return Board{}, true, fmt.Errorf("decode board: %w", err)
	}
	return b, true, nil
}

// SetBoard encodes b under BoardKey as the local metadata.
func (r *Registry) SetBoard(b Board) error {
	value, err := EncodeBoard(b)
	if err != nil {
		return err
	}
	r.SetLocalMetadata(BoardKey, value)
	return nil
}
