package backup

import (
	"fmt"

	"zrbackup/internal/attachment"
)

// ImportFilePointer stores the attachment a backup FilePointer describes,
// attached to messageID. It returns nil when the pointer carries no
// attachment.
func (s *Service) ImportFilePointer(messageID int64, fp *attachment.FilePointer, opts attachment.ImportOptions) (*attachment.Attachment, error) {
	a := attachment.ToLocalAttachment(fp, opts)
	if a == nil {
		s.logger.Debug("file pointer without attachment", "message", messageID)
		return nil, nil
	}
	a.MessageID = messageID

	id, err := s.database.InsertAttachment(a)
	if err != nil {
		return nil, fmt.Errorf("storing attachment: %w", err)
	}
	a.ID = id

	s.logger.Info("attachment imported", "id", id, "tier", attachment.Classify(a).Name())
	return a, nil
}

// ExportFilePointer converts a stored attachment into its backup form for
// mode.
func (s *Service) ExportFilePointer(id int64, mode attachment.BackupMode) (*attachment.FilePointer, error) {
	a, err := s.findAttachment(id)
	if err != nil {
		return nil, err
	}
	fp, err := attachment.ToRemoteFilePointer(a, mode)
	if err != nil {
		return nil, fmt.Errorf("exporting attachment %d: %w", id, err)
	}
	return fp, nil
}

// ClassifyAttachment reports which remote tier applies to a stored
// attachment.
func (s *Service) ClassifyAttachment(id int64) (attachment.Tier, error) {
	a, err := s.findAttachment(id)
	if err != nil {
		return nil, err
	}
	return attachment.Classify(a), nil
}

func (s *Service) findAttachment(id int64) (*attachment.Attachment, error) {
	a, err := s.database.FindAttachment(id)
	if err != nil {
		return nil, fmt.Errorf("finding attachment %d: %w", id, err)
	}
	if a == nil {
		return nil, fmt.Errorf("attachment %d not found", id)
	}
	return a, nil
}
