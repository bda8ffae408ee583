package connectors

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	apperrors "github.com/charlesng35/credledger/pkg/errors"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// decodeItem maps a raw provider object onto a typed payload struct.
func decodeItem(item RawItem, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       stringToTimeHook,
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "json",
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(map[string]any(item)); err != nil {
		return apperrors.ErrValidation.Newf("malformed provider payload: %v", err)
	}
	return nil
}

func stringToTimeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	switch value := data.(type) {
	case string:
		return parseTime(value)
	case float64:
		return time.UnixMilli(int64(value)).UTC(), nil
	default:
		return data, nil
	}
}

func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
}

// finish applies the fields every normalized credential must carry.
func finish(cred Credential) (Credential, error) {
	cred.LearnerEmail = strings.ToLower(strings.TrimSpace(cred.LearnerEmail))
	cred.CertificateTitle = strings.TrimSpace(cred.CertificateTitle)
	cred.ExternalID = strings.TrimSpace(cred.ExternalID)

	var missing []string
	if cred.LearnerEmail == "" {
		missing = append(missing, "learner_email")
	}
	if cred.CertificateTitle == "" {
		missing = append(missing, "certificate_title")
	}
	if cred.IssuedAt.IsZero() {
		missing = append(missing, "issued_at")
	}
	if len(missing) > 0 {
		return Credential{}, apperrors.ErrValidation.Newf("provider item missing %s", strings.Join(missing, ", "))
	}
	return cred, nil
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
