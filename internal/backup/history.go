package backup

import "fmt"

// History returns the most recent operations, ordered newest first.
func (s *Service) History(limit int) ([]*Operation, error) {
	ops, err := s.database.ListBackupOperations(limit)
	if err != nil {
		return nil, fmt.Errorf("listing backup operations: %w", err)
	}
	return ops, nil
}
