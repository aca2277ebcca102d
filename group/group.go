package group

type Group uint8

const (
	GroupInvalid   Group = 0
	GroupStartWait Group = 1
	GroupSlotWait  Group = 2
	GroupEpochWait Group = 3
)

func (g Group) String() string {
	switch g {
	case GroupInvalid:
		return "Invalid Group"
	case GroupStartWait:
		return "Start Wait"
	case GroupSlotWait:
		return "Slot Wait"
	case GroupEpochWait:
		return "Epoch Wait"
	default:
		return "Unknown Group"
	}
}
