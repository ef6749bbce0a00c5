package loxone

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// secureCommandPrefix is the reserved command path every SecuredCommand is
// re-addressed under.
const secureCommandPrefix = "jdev/sps/ios"

// SecuredCommand wraps a control command together with the visualisation
// hash valid at the moment it's sent. A secured command is regenerated on
// every retry (via Command) because the visu hash may have rotated since
// the previous attempt.
type SecuredCommand struct {
	Inner    Command
	VisuHash string
}

// NewSecuredCommand wraps inner with the currently valid visu hash.
func NewSecuredCommand(inner Command, visuHash string) SecuredCommand {
	return SecuredCommand{Inner: inner, VisuHash: visuHash}
}

// Command produces the wire-addressed command: the inner command's text is
// HMAC-SHA256'd using the visu hash as key, and the result re-addressed as
// "jdev/sps/ios/{hash}/{inner}".
func (s SecuredCommand) Command() Command {
	mac := hmac.New(sha256.New, []byte(s.VisuHash))
	mac.Write([]byte(s.Inner.Command))
	hash := hex.EncodeToString(mac.Sum(nil))

	return Command{
		Command:           fmt.Sprintf("%s/%s/%s", secureCommandPrefix, hash, s.Inner.Command),
		Response:          s.Inner.Response,
		ShouldContain:     s.Inner.ShouldContain,
		SupportsWebSocket: true,
	}
}
