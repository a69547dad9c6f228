package ogimage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/snapshot-labs/sidekick/hub"
)

const (
	colorBackground = "#1c1b20"
	colorPanel      = "#28272d"
	colorText       = "#ffffff"
	colorMuted      = "#8b949e"
	colorAccent     = "#ffb503"
	colorClosed     = "#7c3aed"
	colorActive     = "#21b66f"

	margin       = 80
	contentWidth = Width - 2*margin
	maxChoices   = 3
)

func newScene() *scene {
	return &scene{
		Width:      Width,
		Height:     Height,
		Background: colorBackground,
		Rects: []rect{
			{X: 0, Y: 0, W: Width, H: 12, Color: colorAccent},
		},
	}
}

func (s *scene) text(x, y int, size float64, bold bool, color, text string) {
	s.Texts = append(s.Texts, textRun{X: x, Y: y, Size: size, Bold: bold, Color: color, Text: text})
}

func (s *scene) footer(faces faceCache, left string) {
	s.text(margin, Height-60, 28, true, colorAccent, "snapshot")
	if left != "" {
		x := Width - margin - faces.measure(left, 28, false)
		s.text(x, Height-60, 28, false, colorMuted, left)
	}
}

func homeScene() *scene {
	faces := faceCache{}
	s := newScene()
	s.text(margin, 260, 96, true, colorText, "Snapshot")
	for i, line := range faces.wrap("Where decisions get made. Gasless, off-chain voting for DAOs and communities.", 40, false, contentWidth, 2) {
		s.text(margin, 340+i*56, 40, false, colorMuted, line)
	}
	s.footer(faces, "snapshot.org")
	return s
}

func spaceScene(sp *hub.Space) *scene {
	faces := faceCache{}
	s := newScene()

	name := sp.Name
	if name == "" {
		name = sp.ID
	}
	y := 220
	for _, line := range faces.wrap(name, 80, true, contentWidth, 2) {
		s.text(margin, y, 80, true, colorText, line)
		y += 92
	}
	s.text(margin, y, 36, false, colorMuted, sp.ID)

	stats := []string{
		plural(sp.FollowersCount, "member"),
		plural(sp.ProposalsCount, "proposal"),
	}
	if sp.Network != "" {
		stats = append(stats, "network "+sp.Network)
	}
	s.Rects = append(s.Rects, rect{X: margin, Y: y + 40, W: contentWidth, H: 90, R: 16, Color: colorPanel})
	s.text(margin+32, y+98, 34, false, colorText, strings.Join(stats, "  ·  "))

	if sp.About != "" {
		about := faces.wrap(sp.About, 30, false, contentWidth, 1)
		if len(about) > 0 {
			s.text(margin, y+190, 30, false, colorMuted, about[0])
		}
	}
	s.footer(faces, "")
	return s
}

func proposalScene(p *hub.Proposal) *scene {
	faces := faceCache{}
	s := newScene()

	spaceName := p.Space.Name
	if spaceName == "" {
		spaceName = p.Space.ID
	}
	s.text(margin, 110, 32, false, colorMuted, spaceName)

	badgeColor := colorActive
	if p.State == hub.StateClosed {
		badgeColor = colorClosed
	}
	badge := strings.ToUpper(p.State)
	if badge != "" {
		bw := faces.measure(badge, 24, true) + 40
		s.Rects = append(s.Rects, rect{X: Width - margin - bw, Y: 78, W: bw, H: 44, R: 22, Color: badgeColor})
		s.text(Width-margin-bw+20, 109, 24, true, colorText, badge)
	}

	y := 190
	for _, line := range faces.wrap(p.Title, 60, true, contentWidth, 2) {
		s.text(margin, y, 60, true, colorText, line)
		y += 72
	}

	total := 0.0
	for _, sc := range p.Scores {
		total += sc
	}
	for i, choice := range p.Choices {
		if i == maxChoices {
			break
		}
		row := y + 10 + i*70
		s.Rects = append(s.Rects, rect{X: margin, Y: row, W: contentWidth, H: 54, R: 12, Color: colorPanel})
		if i < len(p.Scores) && total > 0 {
			w := int(float64(contentWidth) * p.Scores[i] / total)
			if w > 0 {
				s.Rects = append(s.Rects, rect{X: margin, Y: row, W: w, H: 54, R: 12, Color: "#3a3940"})
			}
		}
		label := faces.ellipsize(choice, 28, false, contentWidth-200)
		s.text(margin+24, row+37, 28, false, colorText, label)
		if i < len(p.Scores) && total > 0 {
			pct := fmt.Sprintf("%.1f%%", 100*p.Scores[i]/total)
			s.text(Width-margin-24-faces.measure(pct, 28, true), row+37, 28, true, colorText, pct)
		}
	}

	s.footer(faces, plural(p.Votes, "vote"))
	return s
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}
