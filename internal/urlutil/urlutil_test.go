package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAcceptsHTTPHosts(t *testing.T) {
	assert.NoError(t, Validate("https://example.com/file.zip"))
	assert.NoError(t, Validate("http://localhost:8080/file.zip"))
	assert.NoError(t, Validate("ftp://127.0.0.1/file.zip"))
}

func TestValidateRejectsBadSchemes(t *testing.T) {
	assert.Error(t, Validate("blob:https://example.com/abc"))
	assert.Error(t, Validate("data:text/plain;base64,SGVsbG8="))
	assert.Error(t, Validate("file:///etc/passwd"))
}

func TestValidateRejectsStreamingManifests(t *testing.T) {
	assert.Error(t, Validate("https://example.com/playlist.m3u8"))
	assert.Error(t, Validate("https://example.com/stream.mpd"))
}

func TestValidateRejectsHostWithoutDotOrLoopback(t *testing.T) {
	assert.Error(t, Validate("http://myserver/file.zip"))
}

func TestValidateRejectsOverlength(t *testing.T) {
	long := "https://example.com/" + string(make([]byte, 3000))
	assert.Error(t, Validate(long))
}

func TestOrigin(t *testing.T) {
	assert.Equal(t, "https://example.com:8443/", Origin("https://example.com:8443/a/b/c.zip?x=1"))
}

func TestDeriveFilenameStripsQueryAndDecodes(t *testing.T) {
	got := DeriveFilename("https://example.com/a/b/my%20file.zip?token=abc", 7)
	assert.Equal(t, "my file.zip", got)
}

func TestDeriveFilenameSanitisesReservedChars(t *testing.T) {
	got := DeriveFilename("https://example.com/weird:name*?.txt", 7)
	assert.NotContains(t, got, ":")
	assert.NotContains(t, got, "*")
}

func TestDeriveFilenameFallsBackWhenEmpty(t *testing.T) {
	got := DeriveFilename("https://example.com/", 42)
	assert.Equal(t, "download_42", got)
}

func TestDeriveFilenameInvalidEscapePassesThrough(t *testing.T) {
	got := DeriveFilename("https://example.com/abc%zzfile.txt", 1)
	assert.Contains(t, got, "%zzfile.txt")
}

func TestSanitiseTrimsTrailingDotsAndSpaces(t *testing.T) {
	assert.Equal(t, "name", Sanitise("name. . "))
}

func TestClassifyUsesExtensionMap(t *testing.T) {
	assert.Equal(t, "Video", Classify("movie.mkv", nil))
	assert.Equal(t, "Compressed", Classify("archive.zip", nil))
	assert.Equal(t, "All Downloads", Classify("noext", nil))
}

func TestClassifyOverridesTakePrecedence(t *testing.T) {
	overrides := map[string]string{"zip": "Custom"}
	assert.Equal(t, "Custom", Classify("archive.zip", overrides))
}
