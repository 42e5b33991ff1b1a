package pool

// AccessPolicy answers the role checks guarding every mutation. Lender and
// provider approval rosters live in State; roles live here.
type AccessPolicy interface {
	IsProtocolAdmin(addr string) bool
	IsPoolOperator(addr string) bool
	IsCreditService(addr string) bool
	IsPoolOwnerTreasury(addr string) bool
	IsEvaluationAgent(addr string) bool
}

// Roles is the static AccessPolicy used in production: role grants resolved
// at construction from genesis or configuration.
type Roles struct {
	ProtocolAdmins    []string `json:"protocol_admins"`
	PoolOperators     []string `json:"pool_operators"`
	CreditService     string   `json:"credit_service"`
	PoolOwnerTreasury string   `json:"pool_owner_treasury"`
	EvaluationAgent   string   `json:"evaluation_agent"`
	ProtocolTreasury  string   `json:"protocol_treasury"`
}

func (r Roles) IsProtocolAdmin(addr string) bool {
	return addr != "" && contains(r.ProtocolAdmins, addr)
}

// Pool operators run the epoch pipeline; admins implicitly qualify.
func (r Roles) IsPoolOperator(addr string) bool {
	return addr != "" && (contains(r.PoolOperators, addr) || contains(r.ProtocolAdmins, addr))
}

func (r Roles) IsCreditService(addr string) bool {
	return addr != "" && addr == r.CreditService
}

func (r Roles) IsPoolOwnerTreasury(addr string) bool {
	return addr != "" && addr == r.PoolOwnerTreasury
}

func (r Roles) IsEvaluationAgent(addr string) bool {
	return addr != "" && addr == r.EvaluationAgent
}

func contains(list []string, addr string) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
