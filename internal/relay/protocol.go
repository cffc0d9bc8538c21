package relay

import (
	"strconv"
	"strings"
)

// Name limits from the wire protocol.
const (
	maxUsernameLen = 16
	maxRoomNameLen = 32
	maxFilenameLen = 255
)

// Server reply lines. Every reply line starts with one of [OK], [INFO],
// [WARN], [ERROR] or [SERVER]; chat frames and file headers are built by
// chatFrame and fileHeader below.
const (
	replyNameAccepted   = "[OK] Username accepted."
	replyNameInvalid    = "[ERROR] Username must be 1-16 alphanumeric characters."
	replyNameTaken      = "[ERROR] Username already taken. Choose another."
	replyServerFull     = "[ERROR] Server is full. Try again later."
	replyGoodbye        = "[INFO] Goodbye!"
	replyServerShutdown = "[SERVER] shutting down. Goodbye."
	replyNotInRoom      = "[INFO] not in any room"
	replyJoinFirst      = "[ERROR] Join a room first"
	replyRoomFull       = "[WARN] Room is full"
	replyRegistryFull   = "[WARN] Server room limit reached. Try again later."
	replyRoomInvalid    = "[ERROR] Room name must be 1-32 alphanumeric characters."
	replyWhisperSelf    = "[ERROR] Cannot whisper to yourself."
	replyUnknown        = "[ERROR] Unknown command"
	replySlowDown       = "[WARN] Too many commands. Slow down."
)

func isAlnum(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			continue
		}
		return false
	}
	return true
}

// validUsername reports whether s is 1-16 alphanumeric bytes.
func validUsername(s string) bool {
	return len(s) >= 1 && len(s) <= maxUsernameLen && isAlnum(s)
}

// validRoomName reports whether s is 1-32 alphanumeric bytes.
func validRoomName(s string) bool {
	return len(s) >= 1 && len(s) <= maxRoomNameLen && isAlnum(s)
}

// chatFrame builds the line delivered for broadcasts and whispers.
func chatFrame(from, text string) []byte {
	return []byte("[" + from + "] " + text + "\n")
}

// fileHeader builds the line announcing a file transfer on the notify
// stream; exactly size raw payload bytes follow it.
func fileHeader(basename string, size int, sender string) []byte {
	return []byte("[FILE " + basename + " " + strconv.Itoa(size) + " " + sender + "]\n")
}

// parseFileHeader recognizes a file-transfer header on the notify stream
// and extracts the payload size. Chat frames never match: their prefix is
// "[" + an alphanumeric sender name + "] ", which cannot equal "[FILE ".
func parseFileHeader(line string) (int64, bool) {
	trimmed := strings.TrimSuffix(line, "\n")
	if !strings.HasPrefix(trimmed, "[FILE ") || !strings.HasSuffix(trimmed, "]") {
		return 0, false
	}
	fields := strings.Fields(trimmed[1 : len(trimmed)-1])
	if len(fields) != 4 || fields[0] != "FILE" {
		return 0, false
	}
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || size < 0 {
		return 0, false
	}
	return size, true
}

// splitCommand separates the command verb from its argument tail. The
// tail keeps interior spacing so "<text>" arguments extend to end of line.
func splitCommand(line string) (verb, rest string) {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[:i], strings.TrimLeft(line[i+1:], " ")
	}
	return line, ""
}
