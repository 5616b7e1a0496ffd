package helm

import (
	"context"
	"testing"
	"time"

	"github.com/savaki/opea-comps/internal/errors"
	"github.com/savaki/opea-comps/internal/executer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRelease() Release {
	return Release{
		Name:           "chatqna-19120000",
		Namespace:      "chatqna-deadbeef",
		Chart:          "oci://ghcr.io/opea-project/charts/chatqna",
		ValueFile:      "gaudi-values.yaml",
		Set:            map[string]string{"global.HUGGINGFACEHUB_API_TOKEN": "hf", "image.tag": "latest"},
		InstallTimeout: DefaultInstallTimeout,
		TestTimeout:    DefaultTestTimeout,
		DeleteTimeout:  DefaultDeleteTimeout,
	}
}

func TestNewRelease(t *testing.T) {
	now := time.Date(2024, 3, 19, 12, 30, 45, 0, time.UTC)

	t.Run("naming", func(t *testing.T) {
		rel := NewRelease("ChatQnA_UI", "./chatqna-ui", "values.yaml", now)
		assert.Equal(t, "chatqna-ui-19123045", rel.Name)
		assert.Regexp(t, `^chatqna-ui-[0-9a-f]{8}$`, rel.Namespace)
		assert.Equal(t, "./chatqna-ui", rel.Chart)
		assert.Equal(t, DefaultInstallTimeout, rel.InstallTimeout)
	})

	t.Run("unique namespaces", func(t *testing.T) {
		a := NewRelease("llm-uservice", "x", "values.yaml", now)
		b := NewRelease("llm-uservice", "x", "values.yaml", now)
		assert.NotEqual(t, a.Namespace, b.Namespace)
	})

	t.Run("long names fit helm limit", func(t *testing.T) {
		long := "a-very-long-chart-name-that-keeps-going-and-going-and-going-forever"
		rel := NewRelease(long, "x", "values.yaml", now)
		assert.LessOrEqual(t, len(rel.Name), maxNameLength)
		assert.LessOrEqual(t, len(rel.Namespace), maxNameLength)
		assert.Contains(t, rel.Name, "-19123045")
	})

	t.Run("empty name", func(t *testing.T) {
		rel := NewRelease("__", "x", "values.yaml", now)
		assert.Equal(t, "release-19123045", rel.Name)
	})
}

func TestRunner_Install(t *testing.T) {
	ctx := context.Background()
	rel := testRelease()

	t.Run("success", func(t *testing.T) {
		rec := executer.NewRecorder()
		runner := NewRunner(rec)

		diagnostics, err := runner.Install(ctx, rel)
		require.NoError(t, err)
		assert.Empty(t, diagnostics)
		require.Len(t, rec.Calls, 1)
		assert.Equal(t,
			"helm install --create-namespace --namespace chatqna-deadbeef chatqna-19120000 "+
				"oci://ghcr.io/opea-project/charts/chatqna -f gaudi-values.yaml "+
				"--set global.HUGGINGFACEHUB_API_TOKEN=hf --set image.tag=latest --wait --timeout 900s",
			rec.Calls[0])
	})

	t.Run("failure collects diagnostics", func(t *testing.T) {
		rec := executer.NewRecorder().
			On("helm install", executer.Reply{Stderr: "timed out waiting for the condition", ExitCode: 1}).
			On("kubectl get pods", executer.Reply{Stdout: "tgi-0  0/1  CrashLoopBackOff"})
		runner := NewRunner(rec)

		diagnostics, err := runner.Install(ctx, rel)
		assert.ErrorIs(t, err, errors.ErrInstallFailed)
		assert.Contains(t, diagnostics, "CrashLoopBackOff")
		assert.True(t, rec.Called("kubectl describe pods -n chatqna-deadbeef"))
	})
}

func TestRunner_Test(t *testing.T) {
	ctx := context.Background()
	rel := testRelease()

	tests := []struct {
		name    string
		reply   executer.Reply
		marker  string
		wantErr bool
	}{
		{name: "passes", reply: executer.Reply{Stdout: "TEST SUITE: chatqna\nPhase: Succeeded"}},
		{name: "non-zero exit", reply: executer.Reply{ExitCode: 1}, wantErr: true},
		{name: "failure marker", reply: executer.Reply{Stdout: "curl ... FAILED"}, wantErr: true},
		{name: "custom marker", reply: executer.Reply{Stdout: "FAILED is fine here"}, marker: "BROKEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := executer.NewRecorder().On("helm test", tt.reply)
			runner := NewRunner(rec, WithFailureMarker(tt.marker))

			log, err := runner.Test(ctx, rel)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrHelmTestFailed)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.reply.Stdout, log)
			assert.Equal(t, "helm test -n chatqna-deadbeef chatqna-19120000 --logs --timeout 600s", rec.Calls[0])
		})
	}
}

func TestRunner_Uninstall(t *testing.T) {
	ctx := context.Background()
	rel := testRelease()

	t.Run("graceful", func(t *testing.T) {
		rec := executer.NewRecorder().
			On("helm list", executer.Reply{Stdout: "other\nchatqna-19120000\n"})
		runner := NewRunner(rec)

		require.NoError(t, runner.Uninstall(ctx, rel))
		assert.Equal(t, []string{
			"helm list -n chatqna-deadbeef -q",
			"helm uninstall chatqna-19120000 --namespace chatqna-deadbeef --wait --timeout 120s",
			"kubectl delete ns chatqna-deadbeef --ignore-not-found --timeout=120s",
		}, rec.Calls)
	})

	t.Run("not installed skips helm uninstall", func(t *testing.T) {
		rec := executer.NewRecorder().On("helm list", executer.Reply{Stdout: "other\n"})
		runner := NewRunner(rec)

		require.NoError(t, runner.Uninstall(ctx, rel))
		assert.False(t, rec.Called("helm uninstall"))
		assert.True(t, rec.Called("kubectl delete ns chatqna-deadbeef --ignore-not-found"))
	})

	t.Run("force path", func(t *testing.T) {
		rec := executer.NewRecorder().
			On("helm list", executer.Reply{Stdout: "chatqna-19120000"}).
			On("kubectl delete ns chatqna-deadbeef --ignore-not-found", executer.Reply{ExitCode: 1})
		runner := NewRunner(rec)

		require.NoError(t, runner.Uninstall(ctx, rel))
		assert.True(t, rec.Called("kubectl delete pods --namespace chatqna-deadbeef --force --grace-period=0 --all"))
		assert.True(t, rec.Called("kubectl delete ns chatqna-deadbeef --force --grace-period=0 --timeout=120s"))
	})

	t.Run("force path fails", func(t *testing.T) {
		rec := executer.NewRecorder().
			On("kubectl delete ns", executer.Reply{Stderr: "still terminating", ExitCode: 1})
		runner := NewRunner(rec)

		err := runner.Uninstall(ctx, rel)
		assert.ErrorIs(t, err, errors.ErrUninstallFailed)
	})
}

func TestRunner_Run(t *testing.T) {
	ctx := context.Background()
	rel := testRelease()

	t.Run("success", func(t *testing.T) {
		rec := executer.NewRecorder().
			On("helm test", executer.Reply{Stdout: "Phase: Succeeded"}).
			On("helm list", executer.Reply{Stdout: rel.Name + "\n"})
		runner := NewRunner(rec)

		result, err := runner.Run(ctx, rel)
		require.NoError(t, err)
		assert.Equal(t, "Phase: Succeeded", result.TestLog)
		assert.True(t, rec.Called("helm uninstall"))
	})

	t.Run("install failure still cleans up", func(t *testing.T) {
		rec := executer.NewRecorder().
			On("helm install", executer.Reply{ExitCode: 1}).
			On("helm list", executer.Reply{Stdout: rel.Name + "\n"})
		runner := NewRunner(rec)

		result, err := runner.Run(ctx, rel)
		assert.ErrorIs(t, err, errors.ErrInstallFailed)
		assert.NotEmpty(t, result.Diagnostics)
		assert.False(t, rec.Called("helm test"))
		assert.True(t, rec.Called("helm uninstall"))
	})

	t.Run("test failure wins over cleanup failure", func(t *testing.T) {
		rec := executer.NewRecorder().
			On("helm test", executer.Reply{ExitCode: 1}).
			On("kubectl delete ns", executer.Reply{ExitCode: 1})
		runner := NewRunner(rec)

		_, err := runner.Run(ctx, rel)
		assert.ErrorIs(t, err, errors.ErrHelmTestFailed)
		assert.NotErrorIs(t, err, errors.ErrUninstallFailed)
	})

	t.Run("cleanup failure surfaces when tests pass", func(t *testing.T) {
		rec := executer.NewRecorder().On("kubectl delete ns", executer.Reply{ExitCode: 1})
		runner := NewRunner(rec)

		_, err := runner.Run(ctx, rel)
		assert.ErrorIs(t, err, errors.ErrUninstallFailed)
	})
}
