package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/kinship-social/apiserver/internal/services"
)

const (
	maxMultipartMemory = 4 << 20
	maxRequestBytes    = services.MaxPictureBytes + 1<<20

	fieldUsername       = "username"
	fieldEmail          = "email"
	fieldPassword       = "password"
	fieldFirstName      = "firstName"
	fieldLastName       = "lastName"
	fieldBio            = "bio"
	fieldProfilePicture = "profilePicture"
	formFieldPicture    = "profile_picture"
)

// requestForm holds the text fields and the optional picture of a request
// body, independent of how the body was encoded. JSON nulls count as
// present for has but carry no value.
type requestForm struct {
	values  map[string]string
	nulls   map[string]bool
	picture *services.Upload
}

func (f requestForm) has(key string) bool {
	_, ok := f.values[key]
	return ok || f.nulls[key]
}

func (f requestForm) value(key string) string {
	return f.values[key]
}

func (f requestForm) optional(key string) *string {
	value, ok := f.values[key]
	if !ok {
		return nil
	}
	return &value
}

// parseRequestForm decodes a JSON, urlencoded or multipart body.
func parseRequestForm(w http.ResponseWriter, r *http.Request) (requestForm, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			return requestForm{}, bodyError(err, "invalid multipart form")
		}
		picture, err := parsePictureFile(r.MultipartForm)
		if err != nil {
			return requestForm{}, err
		}
		return requestForm{values: firstValues(r.MultipartForm.Value), picture: picture}, nil
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return requestForm{}, bodyError(err, "invalid form body")
		}
		return requestForm{values: firstValues(r.PostForm)}, nil
	default:
		return parseJSONForm(r.Body)
	}
}

func parseJSONForm(body io.Reader) (requestForm, error) {
	var raw map[string]any
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return requestForm{values: map[string]string{}}, nil
		}
		return requestForm{}, bodyError(err, "invalid JSON body")
	}

	values := make(map[string]string, len(raw))
	nulls := make(map[string]bool)
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			nulls[key] = true
		case string:
			values[key] = v
		default:
			if key != fieldProfilePicture {
				return requestForm{}, fmt.Errorf("%s must be a string", key)
			}
			values[key] = ""
		}
	}
	return requestForm{values: values, nulls: nulls}, nil
}

func firstValues(form url.Values) map[string]string {
	values := make(map[string]string, len(form))
	for key, list := range form {
		if len(list) > 0 {
			values[key] = list[0]
		}
	}
	return values
}

func parsePictureFile(form *multipart.Form) (*services.Upload, error) {
	if form == nil {
		return nil, nil
	}

	files := form.File[formFieldPicture]
	if len(files) == 0 {
		return nil, nil
	}
	if len(files) > 1 {
		return nil, errors.New("only one profile picture is allowed")
	}

	fileHeader := files[0]
	file, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to read profile picture: %w", err)
	}

	data, err := readFileLimited(file, services.MaxPictureBytes)
	_ = file.Close()
	if err != nil {
		return nil, err
	}

	return &services.Upload{
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func readFileLimited(reader io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(reader, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, errors.New("failed to read upload")
	}
	if int64(len(data)) > limit {
		return nil, errors.New("profile picture exceeds 2MB")
	}
	return data, nil
}

func bodyError(err error, fallback string) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errors.New("request body too large")
	}
	return errors.New(fallback)
}
