package utils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr.
// This ensures we don't lose crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints the boxed error report without exiting.
func ShowError(w io.Writer, context string, err error, s *SafeCommand) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🚨 FRONTLINE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(w, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(w, "\nCHILD PROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for frontline.
func Die(context string, err error, s *SafeCommand) {
	ShowError(os.Stderr, context, err, s)
	os.Exit(1)
}

// --- 2. Video Probing ---

// ErrStreamInfo is returned when ffprobe cannot describe the first video stream.
var ErrStreamInfo = errors.New("ffprobe failed")

// VideoInfo is the subset of stream metadata the raw decoder needs.
type VideoInfo struct {
	Width  int
	Height int
	FPS    float64
	Frames int // 0 when the container does not say
}

type ffprobeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
}

// ReadVideoInfo uses ffprobe to read the dimensions, frame rate and (when
// available) frame count of the first video stream.
func ReadVideoInfo(path string) (VideoInfo, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return VideoInfo{}, fmt.Errorf("%w: ffprobe not found in PATH", ErrStreamInfo)
	}
	cmd := exec.Command("ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate,r_frame_rate,nb_frames", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return VideoInfo{}, fmt.Errorf("%w: %v", ErrStreamInfo, err)
	}
	return parseStreamInfo(out)
}

func parseStreamInfo(out []byte) (VideoInfo, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return VideoInfo{}, fmt.Errorf("%w: JSON parse error: %v", ErrStreamInfo, err)
	}
	if len(res.Streams) == 0 {
		return VideoInfo{}, fmt.Errorf("%w: no video stream", ErrStreamInfo)
	}
	s := res.Streams[0]
	info := VideoInfo{Width: s.Width, Height: s.Height}

	// avg_frame_rate is "0/0" for some live containers; fall back to r_frame_rate.
	if fps, ok := ParseRational(s.AvgFrameRate); ok {
		info.FPS = fps
	} else if fps, ok := ParseRational(s.RFrameRate); ok {
		info.FPS = fps
	}
	if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
		info.Frames = n
	}
	if info.Width <= 0 || info.Height <= 0 {
		return VideoInfo{}, fmt.Errorf("%w: missing frame size", ErrStreamInfo)
	}
	return info, nil
}

// ParseRational parses ffprobe rates such as "30000/1001" or "25".
func ParseRational(s string) (float64, bool) {
	num, den, found := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	if found {
		d, err := strconv.ParseFloat(den, 64)
		if err != nil || d == 0 {
			return 0, false
		}
		n /= d
	}
	if n <= 0 {
		return 0, false
	}
	return n, true
}

// --- 3. Video Engine ---

// NewFFmpegRawCmd creates a decoder pipe that writes 8-bit grayscale frames
// of exactly width*height bytes each to Stdout.
func NewFFmpegRawCmd(input string, extraInputArgs ...string) *SafeCommand {
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, extraInputArgs...)
	args = append(args, "-i", input, "-f", "rawvideo", "-pix_fmt", "gray", "-")
	return NewSafeCommand("ffmpeg", args...)
}

// GenerateSourceID creates a deterministic hash for a source. Files hash
// their path, size and modification time; anything else (device URLs,
// synthetic specs) hashes the string itself.
func GenerateSourceID(source string) string {
	input := source
	if info, err := os.Stat(source); err == nil {
		input = fmt.Sprintf("%s-%d-%d", source, info.Size(), info.ModTime().UnixNano())
	}
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}
