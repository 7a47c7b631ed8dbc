package enrich

// Services bundles one instance of every enrichment service. The chain
// order lives here and nowhere else.
type Services struct {
	BotUA         *BotUA
	UAParse       *UAParse
	RDNS          *RDNS
	GeoLite       *GeoLite
	GeoAPI        *GeoAPI
	Whois         *Whois
	Session       *SessionStitcher
	CrossCustomer *CrossCustomer
	Affluence     *Affluence
	Contradiction *ContradictionMatrix
	Arbitrage     *Arbitrage
	DeviceAge     *DeviceAge
	Replay        *Replay
	DeadInternet  *DeadInternet
	LeadScore     *LeadScore
}

// Chain returns the fifteen steps in their contractual order. Later steps
// read keys earlier steps append; reordering breaks the contradiction
// matrix, the dead-internet index and the lead score.
func (s *Services) Chain() []Step {
	return []Step{
		s.BotUA,
		s.UAParse,
		s.RDNS,
		s.GeoLite,
		s.GeoAPI,
		s.Whois,
		s.Session,
		s.CrossCustomer,
		s.Affluence,
		s.Contradiction,
		s.Arbitrage,
		s.DeviceAge,
		s.Replay,
		s.DeadInternet,
		s.LeadScore,
	}
}

// Evictors returns the stateful services that need periodic pruning.
func (s *Services) Evictors() []Evictor {
	return []Evictor{s.Session, s.CrossCustomer, s.DeadInternet}
}
