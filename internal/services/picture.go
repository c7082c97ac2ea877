package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/kinship-social/apiserver/internal/storage"
	"github.com/kinship-social/apiserver/internal/store"
	"github.com/kinship-social/apiserver/types"
)

// MaxPictureBytes is the largest accepted profile picture.
const MaxPictureBytes = 2 << 20

const pictureKeyPrefix = "profile-pictures"

var (
	pictureExtensions = []string{
		".jpeg", ".jpg", ".png", ".gif", ".bmp", ".webp", ".tiff", ".tif",
		".svg", ".ico", ".heic", ".heif", ".raw",
	}
	pictureMimeTypes = []string{
		"image/jpeg", "image/png", "image/gif", "image/bmp", "image/webp", "image/tiff",
		"image/svg+xml", "image/x-icon", "image/heif", "image/heic",
	}
	whitespaceRun = regexp.MustCompile(`\s+`)
)

// Upload is an uploaded file held in memory.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

func (s *UserService) checkPicture(picture Upload) error {
	if s.pictures == nil {
		return ErrUploadsDisabled
	}
	if len(picture.Data) == 0 {
		return fmt.Errorf("%w: profile picture is empty", ErrInvalidInput)
	}
	if len(picture.Data) > MaxPictureBytes {
		return fmt.Errorf("%w: profile picture exceeds 2MB", ErrInvalidInput)
	}

	ext := strings.ToLower(path.Ext(picture.Filename))
	mediaType, _, err := mime.ParseMediaType(picture.ContentType)
	if err != nil || !slices.Contains(pictureExtensions, ext) || !slices.Contains(pictureMimeTypes, strings.ToLower(mediaType)) {
		return fmt.Errorf("%w: file type not allowed for profile picture upload", ErrInvalidInput)
	}
	return nil
}

// replacePicture uploads picture, stores its key together with update and
// removes the previous picture of user.
func (s *UserService) replacePicture(ctx context.Context, user types.User, picture Upload, update types.UserUpdate) (types.User, error) {
	key := s.pictureKey(user.ID, picture.Filename)
	if err := s.pictures.Put(ctx, key, bytes.NewReader(picture.Data), int64(len(picture.Data)), picture.ContentType); err != nil {
		return types.User{}, fmt.Errorf("store profile picture: %w", err)
	}

	update.ProfilePicture = &key
	updated, err := s.repo.Update(ctx, user.ID, update)
	if err != nil {
		s.deletePicture(ctx, key)
		return types.User{}, err
	}

	if user.ProfilePicture != "" && user.ProfilePicture != key {
		s.deletePicture(ctx, user.ProfilePicture)
	}
	return updated, nil
}

func (s *UserService) deletePicture(ctx context.Context, key string) {
	if err := s.pictures.Delete(ctx, key); err != nil {
		s.logger.Warn("delete profile picture failed", "key", key, "error", err)
	}
}

func (s *UserService) pictureKey(userID, filename string) string {
	name := whitespaceRun.ReplaceAllString(path.Base(strings.ReplaceAll(filename, `\`, "/")), "_")
	return fmt.Sprintf("%s/%s/%d_%s", pictureKeyPrefix, userID, s.now().UnixNano(), name)
}

// ProfilePicture opens the stored picture of id and returns its content type.
func (s *UserService) ProfilePicture(ctx context.Context, id string) (io.ReadCloser, string, error) {
	if s.pictures == nil {
		return nil, "", ErrUploadsDisabled
	}
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if user.ProfilePicture == "" {
		return nil, "", fmt.Errorf("profile picture: %w", store.ErrNotFound)
	}

	reader, err := s.pictures.Get(ctx, user.ProfilePicture)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, "", fmt.Errorf("profile picture: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, "", err
	}
	contentType := mime.TypeByExtension(path.Ext(user.ProfilePicture))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return reader, contentType, nil
}
