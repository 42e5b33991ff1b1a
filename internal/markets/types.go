package markets

// Product is one investable tranche listing served to the frontend catalog.
type Product struct {
	ID            string   `json:"id"`
	Label         string   `json:"label"`
	ShareSymbol   string   `json:"shareSymbol"`
	AssetSymbol   string   `json:"assetSymbol"`
	Policy        string   `json:"policy"`
	FixedYieldBps uint64   `json:"fixedYieldBps,omitempty"`
	RiskAdjustBps uint64   `json:"riskAdjustBps,omitempty"`
	EpochPeriod   string   `json:"epochPeriod"`
	MinDeposit    string   `json:"minDeposit,omitempty"`
	Highlights    []string `json:"highlights"`

	// Live figures, refreshed from the latest pool snapshot.
	TotalAssets string `json:"totalAssets"`
	TotalShares string `json:"totalShares"`
	SharePrice  string `json:"sharePrice"`
}
