package content

import (
	"context"
	"fmt"

	"github.com/tyemirov/harborhope/internal/refresh"
	"go.uber.org/zap"
)

// Saver persists a validated section body.
type Saver interface {
	Save(ctx context.Context, section refresh.Section, body Body) (Document, error)
}

// Editor is the admin side: it writes a section and then signals the bus.
type Editor struct {
	saver  Saver
	bus    *refresh.Bus
	logger *zap.Logger
}

// NewEditor constructs an Editor.
func NewEditor(saver Saver, bus *refresh.Bus, logger *zap.Logger) *Editor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Editor{saver: saver, bus: bus, logger: logger}
}

// Save decodes raw over the section defaults, validates it, stores it, and refreshes section.
// The bus is not touched when any step fails.
func (editor *Editor) Save(ctx context.Context, section refresh.Section, version int, raw []byte) (Document, error) {
	if !section.Valid() {
		return Document{}, fmt.Errorf("content.editor.save: %w: %q", refresh.ErrUnknownSection, section)
	}
	body, err := Decode(section, version, raw)
	if err != nil {
		return Document{}, err
	}
	if err := body.Validate(); err != nil {
		return Document{}, fmt.Errorf("content.editor.save: %w", err)
	}
	document, err := editor.saver.Save(ctx, section, body)
	if err != nil {
		editor.logger.Error("section save failed",
			zap.String("code", "content.editor.save_failed"),
			zap.String("section", string(section)),
			zap.Error(err))
		return Document{}, err
	}
	if err := editor.bus.RefreshSection(section); err != nil {
		return Document{}, fmt.Errorf("content.editor.save: %w", err)
	}
	editor.logger.Info("section saved", zap.String("section", string(section)))
	return document, nil
}
