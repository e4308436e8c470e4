package control

import (
	"context"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"relaybot/internal/membership"
	"relaybot/internal/storage"
	"relaybot/internal/userbot"
)

func (s *Service) CreateFolder(ctx context.Context, owner, name string) (storage.Folder, error) {
	name = strings.TrimSpace(name)
	if err := validation.Validate(name, validation.Required, validation.Length(1, 64)); err != nil {
		return storage.Folder{}, ValidationError{msg: "folder name " + err.Error()}
	}
	if _, err := s.subscriber(ctx, owner); err != nil {
		return storage.Folder{}, err
	}
	return s.store.CreateFolder(ctx, name, owner)
}

func (s *Service) ListFolders(ctx context.Context, owner string) ([]storage.Folder, error) {
	return s.store.ListFolders(ctx, owner)
}

// ListGroups returns owner's groups, limited to folderID when it is set.
func (s *Service) ListGroups(ctx context.Context, owner string, folderID int64) ([]storage.TargetGroup, error) {
	if folderID != 0 {
		if _, err := s.folder(ctx, owner, folderID); err != nil {
			return nil, err
		}
	}
	return s.store.ListTargetGroups(ctx, owner, folderID)
}

// GroupOp names a membership operation on an account the owner holds.
type GroupOp struct {
	Owner      string
	AccountKey string
	FolderID   int64
	Links      []string
}

func (s *Service) handle(ctx context.Context, op GroupOp, needLinks bool) (userbot.Handle, error) {
	if _, err := s.subscriber(ctx, op.Owner); err != nil {
		return userbot.Handle{}, err
	}
	if needLinks && len(op.Links) == 0 {
		return userbot.Handle{}, ValidationError{msg: "send at least one group link"}
	}
	if _, err := s.account(ctx, op.Owner, op.AccountKey); err != nil {
		return userbot.Handle{}, err
	}
	if op.FolderID != 0 {
		if _, err := s.folder(ctx, op.Owner, op.FolderID); err != nil {
			return userbot.Handle{}, err
		}
	}
	return s.sessions.Acquire(ctx, op.AccountKey)
}

// JoinGroups joins every link and registers the joined groups.
func (s *Service) JoinGroups(ctx context.Context, op GroupOp) ([]membership.Result, error) {
	h, err := s.handle(ctx, op, true)
	if err != nil {
		return nil, err
	}
	return s.joiner.JoinMany(ctx, h, op.Links, op.FolderID, op.Owner)
}

// AddGroups registers groups into a folder without joining them.
func (s *Service) AddGroups(ctx context.Context, op GroupOp) ([]membership.Result, error) {
	if op.FolderID == 0 {
		return nil, ValidationError{msg: "pick a folder first"}
	}
	h, err := s.handle(ctx, op, true)
	if err != nil {
		return nil, err
	}
	return s.joiner.AddToFolder(ctx, h, op.Links, op.FolderID, op.Owner)
}

// JoinStored joins the groups already registered for op.Owner: one folder
// when FolderID is set, every group otherwise.
func (s *Service) JoinStored(ctx context.Context, op GroupOp) ([]membership.Result, error) {
	h, err := s.handle(ctx, op, false)
	if err != nil {
		return nil, err
	}
	if op.FolderID != 0 {
		return s.joiner.JoinFolder(ctx, h, op.FolderID, op.Owner)
	}
	return s.joiner.JoinAll(ctx, h, op.Owner)
}

// JoinSummary counts results for a one-line reply.
type JoinSummary struct {
	Joined     int
	Already    int
	Pending    int
	Registered int
	Failed     int
}

func Summarize(results []membership.Result) JoinSummary {
	var s JoinSummary
	for _, r := range results {
		switch {
		case r.Err != nil:
			s.Failed++
		case r.Pending:
			s.Pending++
		case r.Already:
			s.Already++
		case r.Joined:
			s.Joined++
		case r.Recorded:
			s.Registered++
		default:
			s.Already++
		}
	}
	return s
}
