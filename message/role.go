package message

type Role uint8

const (
	RoleInvalid   Role = 0
	RoleInitiator Role = 1
	RoleReceiver  Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleInvalid:
		return "Invalid Role"
	case RoleInitiator:
		return "Initiator"
	case RoleReceiver:
		return "Receiver"
	default:
		return "Unknown Role"
	}
}
