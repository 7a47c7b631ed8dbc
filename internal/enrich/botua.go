package enrich

import (
	"context"
	"regexp"

	"github.com/smartpixl/forge/internal/model"
)

// botPattern pairs a compiled crawler signature with its canonical name.
// Order matters: specific signatures first, catch-alls last.
type botPattern struct {
	re   *regexp.Regexp
	name string
}

var botPatterns = []botPattern{
	// Search engines
	{regexp.MustCompile(`(?i)googlebot`), "Googlebot"},
	{regexp.MustCompile(`(?i)adsbot-google`), "AdsBot-Google"},
	{regexp.MustCompile(`(?i)mediapartners-google`), "Mediapartners-Google"},
	{regexp.MustCompile(`(?i)bingbot`), "Bingbot"},
	{regexp.MustCompile(`(?i)slurp`), "Yahoo Slurp"},
	{regexp.MustCompile(`(?i)duckduckbot`), "DuckDuckBot"},
	{regexp.MustCompile(`(?i)baiduspider`), "Baiduspider"},
	{regexp.MustCompile(`(?i)yandex(bot|images|metrika)`), "YandexBot"},
	{regexp.MustCompile(`(?i)sogou`), "Sogou"},
	{regexp.MustCompile(`(?i)exabot`), "Exabot"},
	{regexp.MustCompile(`(?i)applebot`), "Applebot"},

	// Social preview fetchers
	{regexp.MustCompile(`(?i)facebookexternalhit|facebot`), "Facebook"},
	{regexp.MustCompile(`(?i)twitterbot`), "Twitterbot"},
	{regexp.MustCompile(`(?i)linkedinbot`), "LinkedInBot"},
	{regexp.MustCompile(`(?i)pinterestbot`), "Pinterestbot"},
	{regexp.MustCompile(`(?i)telegrambot`), "TelegramBot"},
	{regexp.MustCompile(`(?i)whatsapp`), "WhatsApp"},
	{regexp.MustCompile(`(?i)discordbot`), "Discordbot"},
	{regexp.MustCompile(`(?i)skypeuripreview`), "Skype"},

	// SEO / archive crawlers
	{regexp.MustCompile(`(?i)ahrefsbot`), "AhrefsBot"},
	{regexp.MustCompile(`(?i)semrushbot`), "SemrushBot"},
	{regexp.MustCompile(`(?i)mj12bot`), "MJ12bot"},
	{regexp.MustCompile(`(?i)dotbot`), "DotBot"},
	{regexp.MustCompile(`(?i)petalbot`), "PetalBot"},
	{regexp.MustCompile(`(?i)bytespider`), "Bytespider"},
	{regexp.MustCompile(`(?i)gptbot`), "GPTBot"},
	{regexp.MustCompile(`(?i)ccbot`), "CCBot"},
	{regexp.MustCompile(`(?i)ia_archiver`), "Alexa"},

	// Automation frameworks
	{regexp.MustCompile(`(?i)headlesschrome`), "HeadlessChrome"},
	{regexp.MustCompile(`(?i)phantomjs`), "PhantomJS"},
	{regexp.MustCompile(`(?i)selenium`), "Selenium"},
	{regexp.MustCompile(`(?i)puppeteer`), "Puppeteer"},
	{regexp.MustCompile(`(?i)playwright`), "Playwright"},

	// HTTP libraries
	{regexp.MustCompile(`(?i)python-requests`), "python-requests"},
	{regexp.MustCompile(`(?i)python-urllib`), "python-urllib"},
	{regexp.MustCompile(`(?i)\bscrapy\b`), "Scrapy"},
	{regexp.MustCompile(`(?i)aiohttp`), "aiohttp"},
	{regexp.MustCompile(`(?i)\bcurl/`), "curl"},
	{regexp.MustCompile(`(?i)\bwget/`), "Wget"},
	{regexp.MustCompile(`(?i)go-http-client`), "Go-http-client"},
	{regexp.MustCompile(`(?i)\bjava/`), "Java"},
	{regexp.MustCompile(`(?i)okhttp`), "okhttp"},
	{regexp.MustCompile(`(?i)axios`), "axios"},
	{regexp.MustCompile(`(?i)node-fetch`), "node-fetch"},
	{regexp.MustCompile(`(?i)libwww-perl`), "libwww-perl"},

	// Uptime monitors
	{regexp.MustCompile(`(?i)uptimerobot`), "UptimeRobot"},
	{regexp.MustCompile(`(?i)pingdom`), "Pingdom"},
	{regexp.MustCompile(`(?i)statuscake`), "StatusCake"},
	{regexp.MustCompile(`(?i)site24x7`), "Site24x7"},

	// Catch-alls. Word-bounded so device brands like "CUBOT" do not match.
	{regexp.MustCompile(`(?i)\b(bot|crawler|spider|scraper)\b`), "Generic Crawler"},
}

// BotUA flags records whose user agent matches a curated crawler table.
type BotUA struct{}

// NewBotUA returns the bot detection step.
func NewBotUA() *BotUA { return &BotUA{} }

func (b *BotUA) Name() string { return "bot_ua" }

// Match returns the canonical bot name for a user agent, if any.
func (b *BotUA) Match(userAgent string) (string, bool) {
	if userAgent == "" {
		return "", false
	}
	for _, p := range botPatterns {
		if p.re.MatchString(userAgent) {
			return p.name, true
		}
	}
	return "", false
}

func (b *BotUA) Enrich(_ context.Context, rec *model.Record) error {
	name, ok := b.Match(rec.UserAgent)
	if !ok {
		return nil
	}
	rec.AppendParam(KeyKnownBot, "1")
	rec.AppendParam(KeyBotName, name)
	return nil
}
