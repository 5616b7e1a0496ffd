package errors

import "errors"

var (
	ErrNoValueFiles      = errors.New("no helm value files found")
	ErrUnknownHardware   = errors.New("unknown hardware")
	ErrUnknownService    = errors.New("unknown compose service")
	ErrImageBuild        = errors.New("image build failed")
	ErrInstallFailed     = errors.New("helm install failed")
	ErrHelmTestFailed    = errors.New("helm test failed")
	ErrUninstallFailed   = errors.New("helm uninstall failed")
	ErrComposeFailed     = errors.New("docker compose failed")
	ErrCheckFailed       = errors.New("smoke check failed")
	ErrLockHeld          = errors.New("cluster lock held by another run")
	ErrRunNotFound       = errors.New("run record not found")
	ErrServiceExists     = errors.New("service already exists")
	ErrUnknownNode       = errors.New("unknown node")
	ErrCycle             = errors.New("edge would create a cycle")
	ErrUnsupportedStream = errors.New("multiple stream downstreams are not supported")
	ErrUnsupportedOutput = errors.New("unsupported downstream response")
)
