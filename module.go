package blockcrypt

// Mode is the access mode of a stream session
type Mode uint8

const (
	// ModeRead opens an existing file for reading
	ModeRead Mode = iota
	// ModeWrite creates or truncates a file for writing
	ModeWrite
	// ModeAppend opens or creates a file and positions writes at its end
	ModeAppend
)

// String returns the string representation of the mode
func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeAppend:
		return "append"
	default:
		return "unknown"
	}
}

func (m Mode) writable() bool {
	return m == ModeWrite || m == ModeAppend
}

// Access identifies who a stream acts for. User is the reader passed to
// Decrypt; Users and Groups are the recipients passed to Encrypt.
type Access struct {
	User   string
	Users  []string
	Groups []string
}

// Module is a pluggable encryption module. Modules are registered once in a
// Registry and looked up by ID whenever a file is opened.
type Module interface {
	// ID returns the identifier recorded in file headers
	ID() string

	// DisplayName returns a human readable name
	DisplayName() string

	// Begin starts a per-file cipher session. header holds the fields read
	// from an existing file and is nil for new files.
	Begin(path string, header map[string]string, mode Mode, access Access) (FileCipher, error)

	// Update changes the recipients able to decrypt path
	Update(path string, users, groups []string) error

	// ShouldEncrypt reports whether new content for path is encrypted
	ShouldEncrypt(path string) bool
}

// FileCipher encrypts and decrypts the logical blocks of one file. It is
// obtained from Module.Begin and finished with End.
type FileCipher interface {
	// HeaderFields returns the module fields written into the header of a new file
	HeaderFields() map[string]string

	// Encrypt encrypts one logical block
	Encrypt(data []byte, users, groups []string) ([]byte, error)

	// Decrypt decrypts one logical block. Failures must not return partial plaintext.
	Decrypt(data []byte, user string) ([]byte, error)

	// End finishes the session and returns trailing header fields. A nil or
	// unchanged map leaves the header as written.
	End() (map[string]string, error)

	// Overhead returns the per-block expansion in bytes. When fixed is false
	// n is an upper bound and ciphertext lengths vary from block to block.
	Overhead() (n int, fixed bool)
}

// VariableOverhead reports whether c produces blocks of varying length
func VariableOverhead(c FileCipher) bool {
	_, fixed := c.Overhead()
	return !fixed
}
