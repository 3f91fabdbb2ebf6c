package store

import (
	"github.com/ovrly/overlayd/internal/domain"
)

// TemplateExists reports whether a template document exists for id.
func (s *Store) TemplateExists(id string) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	return exists(s.docPath(templatesDir, id))
}

// ReadTemplate loads the template for id. A missing document is not an
// error: it returns (nil, nil) so callers can fall back.
func (s *Store) ReadTemplate(id string) (*domain.AlertTemplate, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	var tpl domain.AlertTemplate
	ok, err := readDoc(s.docPath(templatesDir, id), &tpl)
	if err != nil || !ok {
		return nil, err
	}
	if tpl.ID == "" {
		tpl.ID = id
	}
	return &tpl, nil
}

// WriteTemplate creates or overwrites the template document for id.
func (s *Store) WriteTemplate(id string, tpl domain.AlertTemplate) error {
	if id == "" {
		return ErrEmptyID
	}
	tpl.ID = id
	return s.writeDoc(s.docPath(templatesDir, id), tpl)
}

// MappingExists reports whether a reward mapping document exists for rewardID.
func (s *Store) MappingExists(rewardID string) (bool, error) {
	if rewardID == "" {
		return false, ErrEmptyID
	}
	return exists(s.docPath(mappingsDir, rewardID))
}

// ReadMapping loads the reward mapping for rewardID, returning (nil, nil)
// when no mapping has been authored.
func (s *Store) ReadMapping(rewardID string) (*domain.RewardMapping, error) {
	if rewardID == "" {
		return nil, ErrEmptyID
	}
	var m domain.RewardMapping
	ok, err := readDoc(s.docPath(mappingsDir, rewardID), &m)
	if err != nil || !ok {
		return nil, err
	}
	if m.RewardID == "" {
		m.RewardID = rewardID
	}
	return &m, nil
}

// WriteMapping creates or overwrites the mapping document for rewardID.
func (s *Store) WriteMapping(rewardID string, m domain.RewardMapping) error {
	if rewardID == "" {
		return ErrEmptyID
	}
	m.RewardID = rewardID
	return s.writeDoc(s.docPath(mappingsDir, rewardID), m)
}
