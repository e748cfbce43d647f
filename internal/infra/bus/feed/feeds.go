package feed

import "github.com/coachpo/cfdmaker/internal/domain/model"

// Feeds bundles the feeds the maker republishes after every mutation.
type Feeds struct {
	Cfds   *Watch[[]model.Cfd]
	Order  *Watch[*model.Order]
	Wallet *Watch[model.WalletInfo]
}

// NewFeeds constructs the maker's feeds.
func NewFeeds() *Feeds {
	return &Feeds{
		Cfds:   NewWatch[[]model.Cfd](NameCfds),
		Order:  NewWatch[*model.Order](NameOrder),
		Wallet: NewWatch[model.WalletInfo](NameWallet),
	}
}

// Close closes every feed.
func (f *Feeds) Close() {
	f.Cfds.Close()
	f.Order.Close()
	f.Wallet.Close()
}
