/*
Package trigger evaluates when a schedule fires next.

Next(trigger, after) is pure: given the same trigger and instant it always
returns the same answer, and it never consults the clock. Jitter, misfire
handling and claim state live in the dispatch engine; the evaluator only
answers "when, strictly after this instant, does this trigger fire?" A nil
result means the trigger is exhausted and the schedule can retire.

Three trigger types:

	date      fires exactly once at run_at
	interval  fires on a fixed grid anchored at start (or the first query
	          instant when start is unset); end is inclusive
	cron      crontab expression with optional seconds field, timezone and
	          a year filter the cron syntax itself cannot express

Cron parsing is robfig/cron with standard five-field expressions, or six
fields when a second spec is present. Timezones resolve through the IANA
database; the year filter is applied by re-querying the parser until a
candidate's year matches or the filter is provably exhausted.

ParseJSON converts the HTTP API's trigger object ({"type": "interval",
"minutes": 5, ...}) into the internal form, validating as it goes.
*/
package trigger
