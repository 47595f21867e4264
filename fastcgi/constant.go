package fastcgi

type recType uint8

const version uint8 = 1

const (
	typeBeginRequest    recType = 1
	typeAbortRequest    recType = 2
	typeEndRequest      recType = 3
	typeParams          recType = 4
	typeStdin           recType = 5
	typeStdout          recType = 6
	typeStderr          recType = 7
	typeData            recType = 8
	typeGetValues       recType = 9
	typeGetValuesResult recType = 10
	typeUnknownType     recType = 11
)

// String implements fmt.Stringer
func (t recType) String() string {
	switch t {
	case typeBeginRequest:
		return "FCGI_BEGIN_REQUEST"

	case typeAbortRequest:
		return "FCGI_ABORT_REQUEST"

	case typeEndRequest:
		return "FCGI_END_REQUEST"

	case typeParams:
		return "FCGI_PARAMS"

	case typeStdin:
		return "FCGI_STDIN"

	case typeStdout:
		return "FCGI_STDOUT"

	case typeStderr:
		return "FCGI_STDERR"

	case typeData:
		return "FCGI_DATA"

	case typeGetValues:
		return "FCGI_GET_VALUES"

	case typeGetValuesResult:
		return "FCGI_GET_VALUES_RESULT"

	case typeUnknownType:
		fallthrough

	default:
		return "FCGI_UNKNOWN_TYPE"
	}
}

// GoString implements fmt.GoStringer
func (t recType) GoString() string {
	return t.String()
}

const (
	headerSize = 8

	//maximum record body
	maxWrite = 65535

	//maximum stream record body, rounded down to the 8-byte boundary so
	//full records never need padding
	maxStreamWrite = 65528

	maxPad = 255
)

// Role selects which handler a session is dispatched to.
type Role uint16

const (
	RoleResponder Role = iota + 1
	RoleAuthorizer
	RoleFilter
)

// String implements fmt.Stringer
func (r Role) String() string {
	switch r {
	case RoleResponder:
		return "responder"

	case RoleAuthorizer:
		return "authorizer"

	case RoleFilter:
		return "filter"

	default:
		return "unknown"
	}
}

const flagKeepConn uint8 = 1

const (
	//protocol status in FCGI_END_REQUEST
	statusRequestComplete uint8 = iota
	statusCantMultiplex
	statusOverloaded
	statusUnknownRole
)

// variable names answered to FCGI_GET_VALUES
const (
	keyMaxConns  = "FCGI_MAX_CONNS"
	keyMaxReqs   = "FCGI_MAX_REQS"
	keyMpxsConns = "FCGI_MPXS_CONNS"
)
