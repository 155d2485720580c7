//go:build !linux && !windows

package capture

func newPlatformProvider() (Provider, error) {
	return nil, ErrUnavailable
}
