// Description: FTP package
// This package contains the FTP/FTPS server implementation
// It also contains the FTP status codes, their canned reply text and the commands
// Sessions resolve every client path inside a sandbox root and move file data
// over a separate active or passive data channel.

package ftp

// StatusCode is a type for FTP status codes
type StatusCode = int

const (
	// Informational codes (1xx)
	StatusRestartMarkerReply        StatusCode = 110 // Restart marker reply
	StatusServiceReadyInMinutes     StatusCode = 120 // Service ready in nnn minutes
	StatusDataConnectionAlreadyOpen StatusCode = 125 // Data connection already open; transfer starting
	StatusFileStatusOK              StatusCode = 150 // File status okay; about to open data connection

	// Success codes (2xx)
	StatusCommandOK                       StatusCode = 200 // Command okay
	StatusCommandNotImplemented           StatusCode = 202 // Command not implemented, superfluous at this site
	StatusSystemStatus                    StatusCode = 211 // System status, or system help reply
	StatusDirectoryStatus                 StatusCode = 212 // Directory status
	StatusFileStatus                      StatusCode = 213 // File status
	StatusHelpMessage                     StatusCode = 214 // Help message
	StatusNameSystemType                  StatusCode = 215 // NAME system type
	StatusServiceReadyForNewUser          StatusCode = 220 // Service ready for new user
	StatusServiceClosingControlConnection StatusCode = 221 // Service closing control connection
	StatusDataConnectionOpen              StatusCode = 225 // Data connection open; no transfer in progress
	StatusClosingDataConnection           StatusCode = 226 // Closing data connection; requested file action successful
	StatusEnteringPassiveMode             StatusCode = 227 // Entering Passive Mode (h1,h2,h3,h4,p1,p2)
	StatusEnteringLongPassiveMode         StatusCode = 228 // Entering Long Passive Mode (long address, port)
	StatusEnteringExtendedPassiveMode     StatusCode = 229 // Entering Extended Passive Mode (|||port|)
	StatusUserLoggedIn                    StatusCode = 230 // User logged in, proceed
	StatusUserLoggedOut                   StatusCode = 231 // User logged out; service terminated
	StatusLogoutNoted                     StatusCode = 232 // Logout command noted, will complete when transfer done
	StatusSecurityExchangeOK              StatusCode = 234 // Server accepts authentication method/security mechanism
	StatusFileActionOK                    StatusCode = 250 // Requested file action okay, completed
	StatusPathnameCreated                 StatusCode = 257 // "PATHNAME" created

	// Positive Intermediate codes (3xx)
	StatusUserNameOK        StatusCode = 331 // User name okay, need password
	StatusNeedAccount       StatusCode = 332 // Need account for login
	StatusFileActionPending StatusCode = 350 // Requested file action pending further information

	// Transient Negative Completion codes (4xx)
	StatusServiceNotAvailable             StatusCode = 421 // Service not available, closing control connection
	StatusCantOpenDataConnection          StatusCode = 425 // Can't open data connection
	StatusConnectionClosedTransferAborted StatusCode = 426 // Connection closed; transfer aborted
	StatusInvalidUsernameOrPassword       StatusCode = 430 // Invalid username or password
	StatusRequestedHostUnavailable        StatusCode = 434 // Requested host unavailable
	StatusRequestedFileActionNotTaken     StatusCode = 450 // Requested file action not taken
	StatusLocalProcessingError            StatusCode = 451 // Requested action aborted: local error in processing
	StatusInsufficientStorage             StatusCode = 452 // Requested action not taken; insufficient storage space

	// Permanent Negative Completion codes (5xx)
	StatusSyntaxError                   StatusCode = 500 // Syntax error, command unrecognized
	StatusSyntaxErrorInParameters       StatusCode = 501 // Syntax error in parameters or arguments
	StatusSyntaxErrorNotImplemented     StatusCode = 502 // Command not implemented
	StatusBadSequenceOfCommands         StatusCode = 503 // Bad sequence of commands
	StatusCommandNotImplementedForParam StatusCode = 504 // Command not implemented for that parameter
	StatusActionNotTaken                StatusCode = 505 // Requested action not taken; file or data channel unavailable
	StatusNetworkProtocolNotSupported   StatusCode = 522 // Network protocol not supported (RFC 2428)
	StatusNotLoggedIn                   StatusCode = 530 // Not logged in
	StatusNeedAccountForStoringFiles    StatusCode = 532 // Need account for storing files
	StatusFileUnavailable               StatusCode = 550 // Requested action not taken; File unavailable
	StatusPageTypeUnknown               StatusCode = 551 // Requested action aborted: page type unknown
	StatusExceededStorageAllocation     StatusCode = 552 // Requested file action aborted; exceeded storage allocation
	StatusFileNameNotAllowed            StatusCode = 553 // Requested action not taken; file name not allowed

	// Protected reply codes (6xx)
	StatusIntegrityProtected                StatusCode = 631 // Integrity protected reply
	StatusConfidentialityIntegrityProtected StatusCode = 632 // Confidentiality and integrity protected reply
	StatusConfidentialityProtected          StatusCode = 633 // Confidentiality protected reply
)

// statusText is the canned text sent after the code. Replies that carry
// structured fields (227, 229, 257, 150) build their own text.
var statusText = map[StatusCode]string{
	110: "Restart marker reply.",
	120: "Service ready in nnn minutes.",
	125: "Data connection already open; transfer starting.",
	150: "File status okay; about to open data connection.",
	200: "OK.",
	202: "Command not implemented, superfluous at this site.",
	211: "System status, or system help reply.",
	212: "Directory status.",
	213: "File status.",
	214: "Help message.",
	215: "UNIX Type: L8",
	220: "Service ready for new user.",
	221: "Service closing control connection.",
	225: "Data connection open; no transfer in progress.",
	226: "Closing data connection, file transfer successful.",
	227: "Entering Passive Mode (h1,h2,h3,h4,p1,p2).",
	228: "Entering Long Passive Mode (long address, port).",
	229: "Entering Extended Passive Mode (|||port|).",
	230: "User logged in, proceed. Logged out if appropriate.",
	231: "User logged out; service terminated.",
	232: "Logout command noted, will complete when transfer done.",
	234: "Enabling TLS Connection.",
	250: "Requested file action okay, completed.",
	257: "\"PATHNAME\" created.",
	331: "User name okay, need password.",
	332: "Need account for login.",
	350: "Requested file action pending further information.",
	421: "Service not available, closing control connection.",
	425: "Can't open data connection.",
	426: "Connection closed; transfer aborted.",
	430: "Invalid username or password.",
	434: "Requested host unavailable.",
	450: "Requested file action not taken.",
	451: "Requested action aborted. Local error in processing.",
	452: "Requested action not taken. Insufficient storage space in system.",
	500: "Syntax error, command unrecognized.",
	501: "Syntax error in parameters or arguments.",
	502: "Command not implemented.",
	503: "Bad sequence of commands.",
	504: "Command not implemented for that parameter.",
	505: "Requested action not taken. File or data connection unavailable.",
	522: "Network protocol not supported, use (1, 2).",
	530: "Not logged in.",
	532: "Need account for storing files.",
	550: "Requested action not taken. File unavailable (e.g., file not found, no access).",
	551: "Requested action aborted. Page type unknown.",
	552: "Requested file action aborted. Exceeded storage allocation.",
	553: "Requested action not taken. File name not allowed.",
	631: "Integrity protected reply.",
	632: "Confidentiality and integrity protected reply.",
	633: "Confidentiality protected reply.",
}

// StatusText returns the canned reply text for code, or an empty string if
// the code is unknown.
func StatusText(code StatusCode) string {
	return statusText[code]
}

type Command = string

const (
	// Authentication and User Commands
	USER Command = "USER" // Send username
	PASS Command = "PASS" // Send password
	AUTH Command = "AUTH" // Upgrade the control connection (AUTH TLS)

	// Transfer Parameter Commands
	TYPE Command = "TYPE" // Set data transfer type (ASCII/Binary)
	PORT Command = "PORT" // Active mode, legacy IPv4 encoding
	EPRT Command = "EPRT" // Active mode, extended encoding
	PASV Command = "PASV" // Passive mode, legacy IPv4 encoding
	EPSV Command = "EPSV" // Passive mode, extended encoding

	// FTP Service Commands
	RETR Command = "RETR" // Retrieve a file
	STOR Command = "STOR" // Store a file
	DELE Command = "DELE" // Delete a file
	CWD  Command = "CWD"  // Change working directory
	CDUP Command = "CDUP" // Change to parent directory

	// Informational Commands
	PWD  Command = "PWD"  // Print working directory
	LIST Command = "LIST" // List directory contents
	SYST Command = "SYST" // Get operating system type
	FEAT Command = "FEAT" // List supported extensions
	OPTS Command = "OPTS" // Set an option

	// Miscellaneous
	NOOP Command = "NOOP" // No operation (often used to keep connections alive)
	QUIT Command = "QUIT" // Disconnect from the server
)
