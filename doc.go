// Package duomatch 是一個雙人即時對戰的配對服務。
//
// 玩家可以透過兩種方式進入同一個房間：
//
// 好友代碼
//
// 兩位玩家輸入同一組代碼（不分大小寫，例如 "ab12" 與 "AB12"），
// 伺服器在代碼有效期間（預設 1 小時）內把它們導向同一個私人房間：
//   - 代碼正規化：轉大寫、只保留 A-Z 與 0-9、最長 8 字元
//   - 相同代碼的併發預約以 singleflight 合併，只會建立一個房間
//   - 過期以 compare-and-delete 移除，重新綁定的代碼不會被舊計時器刪除
//
// 快速配對
//
// 加入最早建立、仍有空位的公開房間，沒有時建立新房間。
// 回傳房間 ID 到玩家連上之間會保留座位，避免三個人被配到同一房。
//
// # 對戰流程
//
//	waiting ──(兩人都 ready)──► countdown ──(兩人都回報分數)──► 結算 ──► waiting
//	                                  │
//	                                  └──(有人離開)──► 留下的玩家不戰而勝
//
// 結算後 ready、分數、開始時間全部清空，兩人不需重新加入就能再來一局。
//
// # 套件結構
//
//   - internal/code：代碼正規化與產生
//   - internal/registry：代碼 → 房間 ID 的登記（記憶體或 Redis）
//   - internal/room：單一房間的狀態機與訊息格式
//   - internal/directory：房間目錄、快速配對、閒置房間回收
//   - internal/transport：WebSocket Hub（Ping/Pong 心跳、廣播、單播）
//   - internal/handler：HTTP API（chi）
//   - internal/client：加入端，握手 404 時有上限的重試
//   - internal/leaderboard：Redis sorted set 排行榜（日、週、總榜）
//   - internal/games：遊戲目錄
//   - internal/config：YAML + .env + 環境變數設定
//   - cmd/duo：cobra 命令列（serve、join、code）
//
// # 使用範例
//
// 啟動伺服器：
//
//	duo serve --config config.yaml
//
// 兩位玩家以好友代碼對戰：
//
//	duo join --code AB12 --auto-ready --score 12
//	duo join --code ab12 --auto-ready --score 9
//
// HTTP API：
//
//	POST /match        {"code": "AB12"}  → {"ok": true, "roomId": "room_..."}
//	POST /quickmatch   {}                → {"ok": true, "roomId": "room_..."}
//	GET  /ws/rooms/{room_id}             WebSocket（404 房間不存在、409 已滿）
//	GET  /api/leaderboard?game=duo&period=daily&limit=10
//
// # 訊息格式
//
// WebSocket 訊息一律為 {"type": string, "payload": any}：
//
//	客戶端 → 伺服器：ready、score {score, durationMs?}、chat、ping
//	伺服器 → 客戶端：welcome、joined、left、state、start {at}、
//	                 result {scores, winner, forfeit?}、chat、error、pong
package duomatch
