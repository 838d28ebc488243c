package chat

import "strings"

// Coordinates is a map pin.
type Coordinates struct {
	Lat  float64
	Long float64
}

// buildings maps a normalized building address to its location.
var buildings = map[string]Coordinates{
	"Советский, 8":     {59.12047482336482, 37.93102001811573},
	"Победы, 12":       {59.133350120818704, 37.90253587101461},
	"М.Горького, 14":   {59.12470566799802, 37.92012233131044},
	"Дзержинского, 30": {59.12339489869266, 37.9275337655467},
	"Луначарского, 5А": {59.123787062658394, 37.92074409709377},
	"Советский, 10":    {59.120723715241255, 37.92954511882637},
	"Советский, 25":    {59.122360077173084, 37.92928885012067},
	"Труда, 3":         {59.11757126831587, 37.92001688361389},
	"Чкалова, 31А":     {59.12975151805174, 37.87396552737589},
}

var addressNoise = strings.NewReplacer("ул.", "", "пр.", "", "д.", "", " ", "")

// NormalizeAddress reduces a building title such as
// "Главный корпус (пр. Советский, д. 8)" to the "Советский, 8" key form.
func NormalizeAddress(title string) string {
	if open := strings.Index(title, "("); open >= 0 {
		if end := strings.Index(title[open:], ")"); end > 0 {
			title = title[open+1 : open+end]
		}
	}

	parts := strings.Split(addressNoise.Replace(title), ",")
	return strings.Join(parts, ", ")
}

// LookupBuilding returns the location of a building title.
func LookupBuilding(title string) (Coordinates, bool) {
	c, ok := buildings[NormalizeAddress(title)]
	return c, ok
}
