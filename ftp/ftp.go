// Description: FTP package
// This package contains the FTP server implementation: the plaintext and TLS
// accept loops, per address admission control and the per session command engine.
// It also contains the FTP status codes and the commands the server understands.

package ftp

// StatusCode is a type for FTP status codes
type StatusCode = int

const (
	// Informational codes (1xx)
	StatusDataConnectionAlreadyOpen StatusCode = 125 // Data connection already open; transfer starting
	StatusFileStatusOK              StatusCode = 150 // File status okay; about to open data connection

	// Success codes (2xx)
	StatusCommandOK                       StatusCode = 200 // Command okay
	StatusHelpMessage                     StatusCode = 214 // Help message
	StatusServiceReadyForNewUser          StatusCode = 220 // Service ready for new user
	StatusServiceClosingControlConnection StatusCode = 221 // Service closing control connection
	StatusClosingDataConnection           StatusCode = 226 // Closing data connection; requested file action successful
	StatusEnteringPassiveMode             StatusCode = 227 // Entering Passive Mode (h1,h2,h3,h4,p1,p2)
	StatusEnteringExtendedPassiveMode     StatusCode = 229 // Entering Extended Passive Mode (|||port|)
	StatusUserLoggedIn                    StatusCode = 230 // User logged in, proceed
	StatusFileActionOK                    StatusCode = 250 // Requested file action okay, completed
	StatusPathnameCreated                 StatusCode = 257 // "PATHNAME" created

	// Positive Intermediate codes (3xx)
	StatusUserNameOK StatusCode = 331 // User name okay, need password

	// Transient Negative Completion codes (4xx)
	StatusServiceNotAvailable             StatusCode = 421 // Service not available, closing control connection
	StatusCantOpenDataConnection          StatusCode = 425 // Can't open data connection
	StatusConnectionClosedTransferAborted StatusCode = 426 // Connection closed; transfer aborted
	StatusLocalProcessingError            StatusCode = 451 // Requested action aborted: local error in processing

	// Permanent Negative Completion codes (5xx)
	StatusSyntaxError                   StatusCode = 500 // Syntax error, command unrecognized
	StatusSyntaxErrorInParameters       StatusCode = 501 // Syntax error in parameters or arguments
	StatusCommandNotImplemented         StatusCode = 502 // Command not implemented
	StatusBadSequenceOfCommands         StatusCode = 503 // Bad sequence of commands
	StatusCommandNotImplementedForParam StatusCode = 504 // Command not implemented for that parameter
	StatusExtendedPortFailure           StatusCode = 522 // Network protocol not supported
	StatusNotLoggedIn                   StatusCode = 530 // Not logged in
	StatusFileUnavailable               StatusCode = 550 // Requested action not taken; File unavailable
)

var statusText = map[StatusCode]string{
	125: "StatusDataConnectionAlreadyOpen",
	150: "StatusFileStatusOK",
	200: "StatusCommandOK",
	214: "StatusHelpMessage",
	220: "StatusServiceReadyForNewUser",
	221: "StatusServiceClosingControlConnection",
	226: "StatusClosingDataConnection",
	227: "StatusEnteringPassiveMode",
	229: "StatusEnteringExtendedPassiveMode",
	230: "StatusUserLoggedIn",
	250: "StatusFileActionOK",
	257: "StatusPathnameCreated",
	331: "StatusUserNameOK",
	421: "StatusServiceNotAvailable",
	425: "StatusCantOpenDataConnection",
	426: "StatusConnectionClosedTransferAborted",
	451: "StatusLocalProcessingError",
	500: "StatusSyntaxError",
	501: "StatusSyntaxErrorInParameters",
	502: "StatusCommandNotImplemented",
	503: "StatusBadSequenceOfCommands",
	504: "StatusCommandNotImplementedForParam",
	522: "StatusExtendedPortFailure",
	530: "StatusNotLoggedIn",
	550: "StatusFileUnavailable",
}

func StatusText(code int) string {
	return statusText[code]
}

type Command = string

const (
	// Authentication and User Commands
	USER Command = "USER" // Send username
	PASS Command = "PASS" // Send password

	// Transfer Parameter Commands
	TYPE Command = "TYPE" // Set data transfer type (only binary is served)
	PASV Command = "PASV" // Enter passive mode
	EPSV Command = "EPSV" // Enter extended passive mode
	PORT Command = "PORT" // Connect out to h1,h2,h3,h4,p1,p2
	EPRT Command = "EPRT" // Connect out to |proto|address|port|

	// FTP Service Commands
	RETR Command = "RETR" // Retrieve a file
	CWD  Command = "CWD"  // Change working directory
	CDUP Command = "CDUP" // Change to parent directory

	// Informational Commands
	PWD  Command = "PWD"  // Print working directory
	LIST Command = "LIST" // List directory contents
	HELP Command = "HELP" // Get help

	// Miscellaneous
	QUIT Command = "QUIT" // Disconnect from the server
)
