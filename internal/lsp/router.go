package lsp

// FileAction enumerates file-system change kinds delivered by the host's
// watcher.
type FileAction int

const (
	// FileActionCreated indicates a file was created.
	FileActionCreated FileAction = iota
	// FileActionModified indicates a file was modified.
	FileActionModified
	// FileActionDeleted indicates a file was deleted.
	FileActionDeleted
	// FileActionRenamed indicates a file was renamed; OldPath carries the
	// previous name.
	FileActionRenamed
)

// String returns a human-readable action name.
func (a FileAction) String() string {
	switch a {
	case FileActionCreated:
		return "created"
	case FileActionModified:
		return "modified"
	case FileActionDeleted:
		return "deleted"
	case FileActionRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// FileChange is one file-system change event from the host.
type FileChange struct {
	Path    string
	Action  FileAction
	OldPath string // set for renames
}

// routeChanges filters a change batch down to the events owned by the
// given project root, applying the eligibility filter per path. Renames
// fan out as a deletion of the old path and a creation of the new one,
// each included only when its path qualifies.
func routeChanges(root string, changes []FileChange, eligible func(string) bool) []FileEvent {
	if eligible == nil {
		eligible = func(string) bool { return true }
	}

	var events []FileEvent
	for _, change := range changes {
		if change.Action == FileActionRenamed {
			if pathUnder(root, change.OldPath) && eligible(change.OldPath) {
				events = append(events, FileEvent{URI: FilePathToURI(change.OldPath), Type: FileDeleted})
			}
			if pathUnder(root, change.Path) && eligible(change.Path) {
				events = append(events, FileEvent{URI: FilePathToURI(change.Path), Type: FileCreated})
			}
			continue
		}

		if !pathUnder(root, change.Path) || !eligible(change.Path) {
			continue
		}

		switch change.Action {
		case FileActionCreated:
			events = append(events, FileEvent{URI: FilePathToURI(change.Path), Type: FileCreated})
		case FileActionModified:
			events = append(events, FileEvent{URI: FilePathToURI(change.Path), Type: FileChanged})
		case FileActionDeleted:
			events = append(events, FileEvent{URI: FilePathToURI(change.Path), Type: FileDeleted})
		}
	}
	return events
}
