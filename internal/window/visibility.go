// ABOUTME: Visibility/exclusivity resolver for windows across tabs
// ABOUTME: Pure functions deciding whether a window shows on a given tab

package window

// IsVisible reports whether w should be displayed on the tab identified by tabID.
// Minimized wins over everything; solo is an allow-list; mute is a deny-list.
func IsVisible(w *Window, tabID string) bool {
	if w.Minimized {
		return false
	}
	if len(w.Visibility.SoloedOnTabs) > 0 {
		return w.Visibility.SoloedOnTabs.Has(tabID)
	}
	if len(w.Visibility.MutedOnTabs) > 0 {
		return !w.Visibility.MutedOnTabs.Has(tabID)
	}
	return true
}

// IsShown combines IsVisible with the window's URL pin for a tab at pageURL.
func IsShown(w *Window, tabID, pageURL string) bool {
	return IsVisible(w, tabID) && MatchesPin(w.PinnedToURL, pageURL)
}
