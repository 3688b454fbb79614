package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/jeeves/internal/domain"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    domain.Job
		wantErr domain.Kind
	}{
		{name: "project only", body: `{"project":"svc1"}`, want: domain.Job{Project: "svc1"}},
		{name: "with id", body: `{"project":"svc1","id":"abc"}`, want: domain.Job{ID: "abc", Project: "svc1"}},
		{name: "extra fields ignored", body: `{"project":"svc1","ref":"refs/heads/main"}`, want: domain.Job{Project: "svc1"}},
		{name: "non-string id ignored", body: `{"project":"svc1","id":7}`, want: domain.Job{Project: "svc1"}},
		{name: "with content", body: `{"project":"svc1","content":{"ref":"main"}}`, want: domain.Job{Project: "svc1", Content: []byte(`{"ref":"main"}`)}},
		{name: "null content", body: `{"project":"svc1","content":null}`, want: domain.Job{Project: "svc1"}},
		{name: "script ignored without override", body: `{"project":"svc1","script":"deploy.sh"}`, want: domain.Job{Project: "svc1"}},
		{name: "invalid utf8", body: "{\"project\":\"\xff\xfe\"}", wantErr: domain.KindMalformedEncoding},
		{name: "not json", body: `not json`, wantErr: domain.KindMalformedStructure},
		{name: "empty body", body: ``, wantErr: domain.KindMalformedStructure},
		{name: "array", body: `["svc1"]`, wantErr: domain.KindMalformedStructure},
		{name: "string", body: `"svc1"`, wantErr: domain.KindMalformedStructure},
		{name: "null", body: `null`, wantErr: domain.KindMalformedStructure},
		{name: "missing project", body: `{"name":"svc1"}`, wantErr: domain.KindMissingField},
		{name: "numeric project", body: `{"project":1}`, wantErr: domain.KindMissingField},
		{name: "null project", body: `{"project":null}`, wantErr: domain.KindMissingField},
		{name: "empty project", body: `{"project":""}`, wantErr: domain.KindMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.body), false)
			if tt.wantErr != domain.KindNone {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, domain.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseScriptOverride(t *testing.T) {
	got, err := Parse([]byte(`{"project":"svc1","script":"deploy.sh"}`), true)
	require.NoError(t, err)
	assert.Equal(t, "deploy.sh", got.Script)
}

func TestParseIsIdempotent(t *testing.T) {
	for _, body := range []string{`{"project":"svc1"}`, `not json`, `{"project":""}`} {
		j1, err1 := Parse([]byte(body), false)
		j2, err2 := Parse([]byte(body), false)
		assert.Equal(t, j1, j2, body)
		assert.Equal(t, domain.KindOf(err1), domain.KindOf(err2), body)
		if err1 != nil {
			assert.Equal(t, err1.Error(), err2.Error(), body)
		}
	}
}
