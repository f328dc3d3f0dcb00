//go:build !linux

package acquisition

func pinToCore(core int) error { return nil }
