// Command jobscraper scrapes job board listings into an xlsx file.
//
// Typical use:
//
//	jobscraper scrape --workers 5 --end-job 200 --output data/jobs.xlsx
//	jobscraper cache stats
//
// Configuration comes from an optional YAML file (--config), JOBSCRAPER_*
// environment variables and flags, in increasing precedence.
package main

import "github.com/JakeFAU/jobboard-scraper/cmd"

func main() {
	cmd.Execute()
}
