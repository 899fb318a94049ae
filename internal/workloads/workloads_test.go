package workloads

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kination/windsock/api/v1"
)

func newTestDag() *v1.Dag {
	return &v1.Dag{
		DagID:           "etl",
		RelativeFileloc: "pipelines/etl.yaml",
		BundleName:      "dags-folder",
		BundleVersion:   "abc123",
	}
}

func newTestTI() *v1.TaskInstance {
	return &v1.TaskInstance{
		ID:             uuid.MustParse("0195b3a1-4b5c-7d6e-8f90-a1b2c3d4e5f6"),
		DagVersionID:   uuid.MustParse("0195b3a1-0000-7000-8000-000000000001"),
		DagID:          "etl",
		TaskID:         "extract",
		RunID:          "manual__2026-01-01T00:00:00Z",
		MapIndex:       -1,
		TryNumber:      2,
		PoolSlots:      1,
		Queue:          "default",
		PriorityWeight: 7,
		ExecutorConfig: map[string]any{"image": "custom:1"},
	}
}

type fixedGenerator struct{ seen []string }

func (g *fixedGenerator) Generate(subject string) (string, error) {
	g.seen = append(g.seen, subject)
	return "token-for-" + subject, nil
}

func TestMakeExecuteTask_Defaults(t *testing.T) {
	ti := newTestTI()
	run := &v1.DagRun{
		DagID:          "etl",
		RunID:          ti.RunID,
		BundleVersion:  "run-version",
		ContextCarrier: map[string]string{"traceparent": "00-abc-def-01"},
	}
	gen := &fixedGenerator{}

	w, err := MakeExecuteTask(ti, run, newTestDag(), MakeOptions{Generator: gen})
	require.NoError(t, err)

	assert.Equal(t, "pipelines/etl.yaml", w.DagRelPath)
	assert.Equal(t, "dags-folder", w.BundleInfo.Name)
	require.NotNil(t, w.BundleInfo.Version)
	assert.Equal(t, "run-version", *w.BundleInfo.Version)
	assert.Equal(t, "token-for-"+ti.ID.String(), w.Token)
	assert.Equal(t, []string{ti.ID.String()}, gen.seen)
	assert.Equal(t, run.ContextCarrier, w.TI.ParentContextCarrier)
	require.NotNil(t, w.LogPath)
	assert.Equal(t, "dag_id=etl/run_id=manual__2026-01-01T00:00:00Z/task_id=extract/attempt=2.log", *w.LogPath)
	assert.Equal(t, ti.Key(), w.Key())
}

func TestMakeExecuteTask_Overrides(t *testing.T) {
	bundle := NewBundleInfo("other", "")
	w, err := MakeExecuteTask(newTestTI(), nil, newTestDag(), MakeOptions{
		DagRelPath:        "elsewhere.yaml",
		BundleInfo:        &bundle,
		SentryIntegration: "sentry_sdk.integrations.celery",
	})
	require.NoError(t, err)

	assert.Equal(t, "elsewhere.yaml", w.DagRelPath)
	assert.Equal(t, "other", w.BundleInfo.Name)
	assert.Nil(t, w.BundleInfo.Version)
	assert.Empty(t, w.Token, "no generator means no token")
	assert.Equal(t, "sentry_sdk.integrations.celery", w.SentryIntegration)
}

func TestExecuteTask_JSON(t *testing.T) {
	w, err := MakeExecuteTask(newTestTI(), nil, newTestDag(), MakeOptions{})
	require.NoError(t, err)

	data, err := Encode(w)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "ExecuteTask", raw["type"])
	assert.Equal(t, "", raw["sentry_integration"])
	ti := raw["ti"].(map[string]any)
	assert.NotContains(t, ti, "executor_config")
	assert.Nil(t, ti["parent_context_carrier"])
	assert.EqualValues(t, -1, ti["map_index"])

	decoded, err := Decode(data)
	require.NoError(t, err)
	et, ok := decoded.(*ExecuteTask)
	require.True(t, ok)
	assert.Equal(t, w.TI.ID, et.TI.ID)
	assert.Equal(t, w.Key(), et.Key())
	assert.Nil(t, et.TI.ExecutorConfig)
}

func TestTaskInstanceDTO_MapIndexDefault(t *testing.T) {
	var dto TaskInstanceDTO
	require.NoError(t, json.Unmarshal([]byte(`{"task_id":"a","dag_id":"d","run_id":"r","try_number":1}`), &dto))
	assert.Equal(t, -1, dto.MapIndex)

	require.NoError(t, json.Unmarshal([]byte(`{"task_id":"a","map_index":3}`), &dto))
	assert.Equal(t, 3, dto.MapIndex)
}

func TestLogTemplate_MapIndex(t *testing.T) {
	dto := NewTaskInstanceDTO(newTestTI())
	dto.MapIndex = 4

	name, err := DefaultLogTemplate().Render(&dto)
	require.NoError(t, err)
	assert.Equal(t, "dag_id=etl/run_id=manual__2026-01-01T00:00:00Z/task_id=extract/map_index=4/attempt=2.log", name)

	custom, err := NewLogTemplate("{{ .DagID }}/{{ .TaskID }}.{{ .TryNumber }}.log")
	require.NoError(t, err)
	name, err = custom.Render(&dto)
	require.NoError(t, err)
	assert.Equal(t, "etl/extract.2.log", name)

	_, err = NewLogTemplate("{{ .DagID ")
	assert.Error(t, err)
}

func TestMakeExecuteCallback(t *testing.T) {
	cb := &v1.Callback{
		ID:          uuid.New(),
		FetchMethod: v1.FetchImportPath,
		Data: map[string]any{
			"path":   "alerts.notify",
			"kwargs": map[string]any{"msg": "Alert!"},
		},
	}
	run := &v1.DagRun{DagID: "etl", RunID: "r1"}
	gen := &fixedGenerator{}

	w, err := MakeExecuteCallback(cb, run, newTestDag(), MakeOptions{Generator: gen})
	require.NoError(t, err)

	assert.Equal(t, "executor_callbacks/"+cb.ID.String(), *w.LogPath)
	assert.Equal(t, v1.CallbackKey(cb.ID.String()), w.Key())
	assert.Equal(t, "alerts.notify", w.Callback.Path())
	assert.Equal(t, map[string]any{"msg": "Alert!"}, w.Callback.Kwargs())
	assert.Equal(t, "abc123", *w.BundleInfo.Version)
	assert.Equal(t, []string{cb.ID.String()}, gen.seen)

	data, err := Encode(w)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	ec, ok := decoded.(*ExecuteCallback)
	require.True(t, ok)
	assert.Equal(t, v1.FetchImportPath, ec.Callback.FetchMethod)
	assert.Equal(t, "alerts.notify", ec.Callback.Path())
}

func TestCallbackDTO_MissingData(t *testing.T) {
	dto := CallbackDTO{ID: "x", Data: map[string]any{}}
	assert.Equal(t, "", dto.Path())
	assert.Empty(t, dto.Kwargs())
}

func TestRunTrigger_JSON(t *testing.T) {
	timeout := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := &RunTrigger{
		ID:              42,
		Classpath:       "windsock.triggers.sleep",
		EncryptedKwargs: "ciphertext",
		TimeoutAfter:    &timeout,
	}

	data, err := Encode(w)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": 42,
		"ti": null,
		"classpath": "windsock.triggers.sleep",
		"encrypted_kwargs": "ciphertext",
		"timeout_after": "2026-03-01T12:00:00Z",
		"type": "RunTrigger"
	}`, string(data))

	decoded, err := Decode(data)
	require.NoError(t, err)
	rt, ok := decoded.(*RunTrigger)
	require.True(t, ok)
	assert.Nil(t, rt.TI)
	assert.True(t, rt.TimeoutAfter.Equal(timeout))
}

func TestDecode_UnknownType(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "missing", data: `{"token":""}`},
		{name: "unknown", data: `{"type":"ExecuteSomething"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.True(t, errors.Is(err, ErrUnknownWorkloadType))
		})
	}

	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestJWT_RoundTrip(t *testing.T) {
	j, err := NewJWT(JWTConfig{Secret: []byte("s3cret"), Issuer: "windsock", Audience: "workers"})
	require.NoError(t, err)

	token, err := j.Generate("ti-123")
	require.NoError(t, err)

	sub, err := j.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ti-123", sub)

	other, err := NewJWT(JWTConfig{Secret: []byte("different")})
	require.NoError(t, err)
	_, err = other.Validate(token)
	assert.Error(t, err)

	_, err = j.Validate("")
	assert.Error(t, err)
}

func TestJWT_Expired(t *testing.T) {
	j, err := NewJWT(JWTConfig{Secret: []byte("s3cret"), TTL: time.Minute})
	require.NoError(t, err)
	issued := time.Now().Add(-time.Hour)
	j.now = func() time.Time { return issued }
	token, err := j.Generate("ti-1")
	require.NoError(t, err)

	j.now = time.Now
	_, err = j.Validate(token)
	assert.Error(t, err)
}

func TestNewJWT_EmptySecret(t *testing.T) {
	_, err := NewJWT(JWTConfig{})
	assert.Error(t, err)
}

func TestGenerateToken_NilGenerator(t *testing.T) {
	token, err := GenerateToken("abc", nil)
	require.NoError(t, err)
	assert.Empty(t, token)
}
