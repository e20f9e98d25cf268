package service

// Snapshots exposes the snapshot cache size to observers
func (s *PermissionService) Snapshots() interface{ Size() int } { return s.snapshots }

// Entries exposes the live permission entry count to observers
func (s *PermissionService) Entries() interface{ Size() int } { return s.states }
