//go:build !(linux && cgo)

package media

import "github.com/pion/mediadevices"

// Camera/mic capture via pion/mediadevices needs platform drivers
// (V4L2/malgo) that are only wired up on Linux. Other platforms run
// receive-only: CreatePeerConnection falls back to the default codec set
// and recvonly transceivers.

func newCodecSelector() (*mediadevices.CodecSelector, error) {
	return nil, nil
}

func acquireLocalMedia(_ *mediadevices.CodecSelector, _ bool) (LocalMedia, error) {
	return nil, ErrDeviceUnavailable
}
