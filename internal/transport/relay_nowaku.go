//go:build !real_waku

package transport

func newWakuBackend() relayBackend {
	return nil
}
