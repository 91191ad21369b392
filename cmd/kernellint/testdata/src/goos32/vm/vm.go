// Package vm is a stand-in for goos32/vm, just large enough for
// kernellint's own tests to exercise the analyzer against.
package vm

func ValidateUserPtr(ptr, size uint32) bool { return true }

func ValidateUserPtrMapped(ptr, size uint32) bool { return true }

func CopyIn(ptr, size uint32) []byte { return nil }

func CopyInString(ptr, max uint32) string { return "" }

func CopyOut(ptr uint32, data []byte) {}

func CopyOutString(ptr uint32, s string) {}
