package internal

// Mode selects which agent the process bridges to.
type Mode string

const (
	ModeGPG Mode = "gpg"
	ModeSSH Mode = "ssh"
)

// Command is an argv slice, program first.
type Command []string
