package region

// Type tags a region's current role. Transitions are driven by the policy
// layer; Region only enforces the structural preconditions of each transition.
type Type int32

const (
	TypeFree Type = iota
	TypeEden
	TypeSurvivor
	TypeOld
	TypeStartsHumongous
	TypeContinuesHumongous
	TypeOpenArchive
	TypeClosedArchive
)

var regionTypeMapping = map[Type]string{
	TypeFree:               "Free",
	TypeEden:               "Eden",
	TypeSurvivor:           "Survivor",
	TypeOld:                "Old",
	TypeStartsHumongous:    "StartsHumongous",
	TypeContinuesHumongous: "ContinuesHumongous",
	TypeOpenArchive:        "OpenArchive",
	TypeClosedArchive:      "ClosedArchive",
}

func (t Type) String() string {
	str, ok := regionTypeMapping[t]
	if !ok {
		return "unknown region type"
	}
	return str
}

func (t Type) IsFree() bool { return t == TypeFree }

func (t Type) IsYoung() bool { return t == TypeEden || t == TypeSurvivor }

func (t Type) IsOld() bool { return t == TypeOld }

func (t Type) IsHumongous() bool {
	return t == TypeStartsHumongous || t == TypeContinuesHumongous
}

func (t Type) IsStartsHumongous() bool { return t == TypeStartsHumongous }

func (t Type) IsContinuesHumongous() bool { return t == TypeContinuesHumongous }

func (t Type) IsArchive() bool {
	return t == TypeOpenArchive || t == TypeClosedArchive
}

func (t Type) IsOpenArchive() bool { return t == TypeOpenArchive }

func (t Type) IsClosedArchive() bool { return t == TypeClosedArchive }
